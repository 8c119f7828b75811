package logcollection

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pironjulien/trinity-hackathon-sub001/pkg/logstore"
)

type recordingPublisher struct {
	mu      sync.Mutex
	entries []logstore.Entry
	err     error
}

func (p *recordingPublisher) Publish(ctx context.Context, entry logstore.Entry) (logstore.Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return logstore.Entry{}, p.err
	}
	p.entries = append(p.entries, entry)
	return entry, nil
}

func (p *recordingPublisher) snapshot() []logstore.Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]logstore.Entry(nil), p.entries...)
}

func newTestCollector(publisher Publisher) LogCollector {
	return NewOutputCollector(CollectorConfig{}, publisher, NewZapAdapterFromLogger(zap.NewNop()))
}

func TestOutputCollector_PlainAndStructuredLines(t *testing.T) {
	publisher := &recordingPublisher{}
	collector := newTestCollector(publisher)

	input := strings.Join([]string{
		"plain startup line",
		`{"channel":"alerts","level":"error","message":"db unreachable","fields":{"attempt":2}}`,
		"",
		`{"msg":"short form","level":"debug"}`,
		`{"channel":"../escape","message":"bad channel"}`,
		`{"not":"a log line"}`,
	}, "\n")

	require.NoError(t, collector.CollectFromStream("api", strings.NewReader(input), StdoutStream))
	collector.Stop()

	entries := publisher.snapshot()
	require.Len(t, entries, 5)

	assert.Equal(t, DefaultChannel, entries[0].Channel)
	assert.Equal(t, "plain startup line", entries[0].Message)
	assert.Equal(t, logstore.LevelInfo, entries[0].Level)
	assert.Equal(t, "api", entries[0].Fields["worker_id"])

	assert.Equal(t, "alerts", entries[1].Channel)
	assert.Equal(t, logstore.LevelError, entries[1].Level)
	assert.Equal(t, "db unreachable", entries[1].Message)
	assert.EqualValues(t, 2, entries[1].Fields["attempt"])

	assert.Equal(t, "short form", entries[2].Message)
	assert.Equal(t, logstore.LevelDebug, entries[2].Level)

	assert.Equal(t, DefaultChannel, entries[3].Channel)
	assert.Equal(t, "../escape", entries[3].Fields["requested_channel"])

	assert.Equal(t, `{"not":"a log line"}`, entries[4].Message)

	status := collector.Status()
	assert.Equal(t, int64(5), status.LinesProcessed)
	assert.False(t, status.Active)
}

func TestOutputCollector_StderrDefaultsToWarn(t *testing.T) {
	publisher := &recordingPublisher{}
	collector := newTestCollector(publisher)

	require.NoError(t, collector.ProcessLogLine("api", "panic: oops", LogMetadata{
		Timestamp: time.Now(),
		Stream:    StderrStream,
	}))

	entries := publisher.snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, logstore.LevelWarn, entries[0].Level)
	assert.Equal(t, "stderr", entries[0].Fields["stream"])
}

func TestOutputCollector_PublishErrorsAreRecorded(t *testing.T) {
	publisher := &recordingPublisher{err: fmt.Errorf("store unavailable")}
	collector := newTestCollector(publisher)

	require.NoError(t, collector.CollectFromStream("api", strings.NewReader("a\nb\n"), StdoutStream))
	collector.Stop()

	status := collector.Status()
	assert.Equal(t, int64(2), status.PublishErrors)
	assert.Len(t, status.Errors, 2)
}

type closeTrackingReader struct {
	*strings.Reader
	mu     sync.Mutex
	closed int
}

func (r *closeTrackingReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
	return nil
}

func (r *closeTrackingReader) closeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func TestOutputCollector_ClosesStreamAtEOF(t *testing.T) {
	publisher := &recordingPublisher{}
	collector := newTestCollector(publisher)

	stream := &closeTrackingReader{Reader: strings.NewReader("one\ntwo\n")}
	require.NoError(t, collector.CollectFromStream("api", stream, StdoutStream))
	collector.Stop()

	assert.Len(t, publisher.snapshot(), 2)
	assert.Equal(t, 1, stream.closeCount())
}

func TestOutputCollector_RejectsAfterStop(t *testing.T) {
	collector := newTestCollector(&recordingPublisher{})
	collector.Stop()

	assert.Error(t, collector.CollectFromStream("api", strings.NewReader("x"), StdoutStream))
	assert.Error(t, collector.CollectFromStream("api", nil, StdoutStream))
}
