package logcollection

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/pironjulien/trinity-hackathon-sub001/pkg/logstore"
)

const (
	// DefaultChannel receives worker lines that do not name a channel
	DefaultChannel = "worker"

	maxRecordedErrors = 10
	stopWaitTimeout   = 2 * time.Second
	maxScanLineBytes  = 256 * 1024
)

// CollectorConfig configures the worker output collector
type CollectorConfig struct {
	DefaultChannel string
	// PublishTimeout bounds a single publish of a collected line
	PublishTimeout time.Duration
}

// ===== WORKER OUTPUT COLLECTOR =====

// outputCollector reads worker streams line by line and publishes each
// line as a log entry
type outputCollector struct {
	config    CollectorConfig
	publisher Publisher
	logger    StructuredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	streams atomic.Int32

	// Metrics
	totalLines    atomic.Int64
	totalBytes    atomic.Int64
	publishErrors atomic.Int64
	startTime     time.Time

	mu           sync.Mutex
	lastActivity time.Time
	errors       []string
}

// NewOutputCollector creates a collector that publishes worker output
func NewOutputCollector(config CollectorConfig, publisher Publisher, logger StructuredLogger) LogCollector {
	if config.DefaultChannel == "" {
		config.DefaultChannel = DefaultChannel
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &outputCollector{
		config:    config,
		publisher: publisher,
		logger:    logger.WithFields(Component("log_collection")),
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
		errors:    make([]string, 0),
	}
}

// CollectFromStream starts reading a stream in the background until EOF.
// A stream that is also an io.Closer is closed once reading ends.
func (c *outputCollector) CollectFromStream(workerID string, stream io.Reader, streamType StreamType) error {
	if stream == nil {
		return fmt.Errorf("nil %s stream for worker %s", streamType, workerID)
	}
	if c.ctx.Err() != nil {
		return fmt.Errorf("log collector stopped")
	}

	c.wg.Add(1)
	c.streams.Add(1)
	go c.streamReader(workerID, stream, streamType)

	c.logger.WithFields(Worker(workerID), Stream(streamType)).Debugf("Collecting worker output")
	return nil
}

// streamReader reads from a stream and processes log lines
func (c *outputCollector) streamReader(workerID string, stream io.Reader, streamType StreamType) {
	defer c.wg.Done()
	defer c.streams.Add(-1)
	if closer, ok := stream.(io.Closer); ok {
		defer closer.Close()
	}

	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), maxScanLineBytes)
	lineNum := int64(0)

	for scanner.Scan() {
		line := scanner.Text()
		lineNum++

		metadata := LogMetadata{
			Timestamp: time.Now().UTC(),
			WorkerID:  workerID,
			Stream:    streamType,
			LineNum:   lineNum,
		}

		if err := c.ProcessLogLine(workerID, line, metadata); err != nil {
			c.logger.WithError(err).Warnf("Failed to process log line")
			c.recordError(fmt.Sprintf("Failed to process line %d: %v", lineNum, err))
		}
	}

	if err := scanner.Err(); err != nil {
		c.logger.WithError(err).Warnf("Error reading from stream")
		c.recordError(fmt.Sprintf("Stream reading error: %v", err))
	}
}

// ProcessLogLine converts one line into an entry and publishes it
func (c *outputCollector) ProcessLogLine(workerID string, line string, metadata LogMetadata) error {
	if strings.TrimSpace(line) == "" {
		return nil
	}

	c.totalLines.Add(1)
	c.totalBytes.Add(int64(len(line)))
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()

	entry := c.buildEntry(workerID, line, metadata)

	ctx, cancel := context.WithTimeout(c.ctx, c.config.PublishTimeout)
	defer cancel()

	if _, err := c.publisher.Publish(ctx, entry); err != nil {
		c.publishErrors.Add(1)
		return fmt.Errorf("failed to publish line to channel %s: %w", entry.Channel, err)
	}
	return nil
}

// buildEntry parses a structured JSON line when possible and falls back to
// the raw line on the default channel.
func (c *outputCollector) buildEntry(workerID string, line string, metadata LogMetadata) logstore.Entry {
	entry := logstore.Entry{
		Timestamp: metadata.Timestamp,
		Channel:   c.config.DefaultChannel,
		Level:     defaultLevel(metadata.Stream),
		Message:   line,
		Fields:    map[string]interface{}{},
	}

	if parsed, ok := parseStructuredLine(line); ok {
		entry.Message = parsed.Message
		if entry.Message == "" {
			entry.Message = parsed.Msg
		}
		if parsed.Level != "" {
			entry.Level = logstore.ParseLevel(parsed.Level)
		}
		if !parsed.Timestamp.IsZero() {
			entry.Timestamp = parsed.Timestamp.UTC()
		}
		for k, v := range parsed.Fields {
			entry.Fields[k] = v
		}
		if parsed.Channel != "" {
			if logstore.ValidateChannel(parsed.Channel) == nil {
				entry.Channel = parsed.Channel
			} else {
				entry.Fields["requested_channel"] = parsed.Channel
			}
		}
	}

	entry.Fields["worker_id"] = workerID
	entry.Fields["stream"] = string(metadata.Stream)
	return entry
}

func parseStructuredLine(line string) (StructuredLogLine, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return StructuredLogLine{}, false
	}
	var parsed StructuredLogLine
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return StructuredLogLine{}, false
	}
	if parsed.Message == "" && parsed.Msg == "" {
		return StructuredLogLine{}, false
	}
	return parsed, true
}

func defaultLevel(stream StreamType) logstore.Level {
	if stream == StderrStream {
		return logstore.LevelWarn
	}
	return logstore.LevelInfo
}

// Status returns collector counters
func (c *outputCollector) Status() CollectorStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	return CollectorStatus{
		Active:         c.ctx.Err() == nil,
		Streams:        int(c.streams.Load()),
		LinesProcessed: c.totalLines.Load(),
		BytesProcessed: c.totalBytes.Load(),
		PublishErrors:  c.publishErrors.Load(),
		StartTime:      c.startTime,
		LastActivity:   c.lastActivity,
		Errors:         append([]string(nil), c.errors...),
	}
}

// Stop cancels pending publishes and waits a bounded time for readers to
// finish. Readers end when their stream is closed by the process exit.
func (c *outputCollector) Stop() {
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopWaitTimeout):
		c.logger.Warnf("Log collection stopped with %d streams still open", c.streams.Load())
	}

	c.logger.WithFields(
		Duration("uptime", time.Since(c.startTime)),
		Int64("total_lines", c.totalLines.Load()),
		Int64("total_bytes", c.totalBytes.Load()),
	).Infof("Log collection stopped")
}

// recordError keeps the most recent errors
func (c *outputCollector) recordError(message string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.errors = append(c.errors, fmt.Sprintf("%s: %s", time.Now().Format(time.RFC3339), message))
	if len(c.errors) > maxRecordedErrors {
		c.errors = c.errors[len(c.errors)-maxRecordedErrors:]
	}
}
