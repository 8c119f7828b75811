package logstore

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/pironjulien/trinity-hackathon-sub001/pkg/atomicfile"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/errors"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/logging"
)

const fileExtension = ".log"

// maxLineBytes bounds a single stored line when reading channel files back
const maxLineBytes = 1 << 20

// Config configures a Store
type Config struct {
	Directory string

	// Rotation applies to every channel without an entry in Overrides
	Rotation  RotationPolicy
	Overrides map[string]RotationPolicy

	// OnRotationFailure is called after a rotation failed twice. The
	// channel keeps its previous content in that case.
	OnRotationFailure func(channel string, err error)

	// OnRotation is called after a channel was compacted
	OnRotation func(channel string, before, after int)
}

// Stats describes the current size of a channel
type Stats struct {
	Lines   int    `json:"lines"`
	Bytes   int64  `json:"bytes"`
	LastSeq uint64 `json:"last_seq"`
}

// Store persists channels as JSON-lines files. Every mutation replaces the
// whole file through an atomic rename, so a reader never sees a torn write.
type Store struct {
	config Config
	logger logging.Logger

	mu       sync.Mutex
	channels map[string]*channelLog

	// Replaced in tests to simulate disk failures
	writeFile func(path string, data []byte, perm os.FileMode) error
	now       func() time.Time
}

// channelLog caches the encoded lines of one channel. mu serializes writers.
type channelLog struct {
	mu      sync.Mutex
	name    string
	path    string
	loaded  bool
	lines   [][]byte
	bytes   int64
	lastSeq uint64
}

// NewStore creates a store rooted at config.Directory
func NewStore(config Config, logger logging.Logger) (*Store, error) {
	if config.Directory == "" {
		return nil, errors.NewValidationError("log directory is required", nil)
	}
	if config.Rotation == (RotationPolicy{}) {
		config.Rotation = DefaultRotationPolicy()
	}
	if err := config.Rotation.Validate(); err != nil {
		return nil, err
	}
	for channel, policy := range config.Overrides {
		if err := policy.Validate(); err != nil {
			return nil, errors.NewValidationError("invalid rotation override", err).WithContext("channel", channel)
		}
	}
	if err := os.MkdirAll(config.Directory, 0755); err != nil {
		return nil, errors.NewIOError("failed to create log directory", err).WithContext("directory", config.Directory)
	}

	return &Store{
		config:    config,
		logger:    logger,
		channels:  make(map[string]*channelLog),
		writeFile: atomicfile.WriteFile,
		now:       time.Now,
	}, nil
}

// Append stores an entry at the end of a channel and returns it with its
// sequence number assigned. A rotation check runs after every append.
func (s *Store) Append(channel string, entry Entry) (Entry, error) {
	ch, err := s.channel(channel)
	if err != nil {
		return Entry{}, err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	if err := s.loadLocked(ch); err != nil {
		return Entry{}, err
	}

	entry.Channel = channel
	entry.Seq = ch.lastSeq + 1
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now().UTC()
	}
	if entry.Level == "" {
		entry.Level = LevelInfo
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, errors.NewValidationError("failed to encode log entry", err).WithContext("channel", channel)
	}

	lines := make([][]byte, len(ch.lines), len(ch.lines)+1)
	copy(lines, ch.lines)
	lines = append(lines, line)

	if err := s.writeWithRetry(ch.path, lines); err != nil {
		s.logger.Errorf("Failed to append log entry, channel: %s, error: %v", channel, err)
		return Entry{}, errors.NewIOError("failed to append log entry", err).WithContext("channel", channel)
	}

	ch.lines = lines
	ch.bytes += int64(len(line) + 1)
	ch.lastSeq = entry.Seq

	s.rotateLocked(ch, false)

	return entry, nil
}

// Read returns up to maxLines most recent entries of a channel in append
// order. maxLines <= 0 returns everything. It reads the file directly and
// never waits for writers.
func (s *Store) Read(channel string, maxLines int) ([]Entry, error) {
	if err := ValidateChannel(channel); err != nil {
		return nil, err
	}

	path := s.pathFor(channel)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil
		}
		return nil, errors.NewIOError("failed to read log channel", err).WithContext("channel", channel)
	}

	lines := splitLines(data)
	if maxLines > 0 && len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}

	entries := make([]Entry, 0, len(lines))
	for _, line := range lines {
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			s.logger.Warnf("Skipping unreadable log line, channel: %s, error: %v", channel, err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// RotateIfNeeded compacts a channel when its rotation policy is exceeded.
// It reports whether a rotation happened.
func (s *Store) RotateIfNeeded(channel string) (bool, error) {
	return s.rotate(channel, false)
}

// Rotate compacts a channel to its retention size regardless of thresholds
func (s *Store) Rotate(channel string) (bool, error) {
	return s.rotate(channel, true)
}

func (s *Store) rotate(channel string, force bool) (bool, error) {
	ch, err := s.channel(channel)
	if err != nil {
		return false, err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	if err := s.loadLocked(ch); err != nil {
		return false, err
	}
	return s.rotateLocked(ch, force)
}

// rotateLocked keeps the last RetentionLines of a channel, fewer when they
// would hold more than half of MaxBytes. On a second failure the cached and
// on-disk content stay as they were.
func (s *Store) rotateLocked(ch *channelLog, force bool) (bool, error) {
	policy := s.policyFor(ch.name)
	if !force && !policy.Exceeded(len(ch.lines), ch.bytes) {
		return false, nil
	}

	before := len(ch.lines)
	keep := retainedLines(ch.lines, policy)
	if keep >= before {
		return false, nil
	}
	kept := make([][]byte, keep)
	copy(kept, ch.lines[before-keep:])

	if err := s.writeWithRetry(ch.path, kept); err != nil {
		rotationErr := errors.NewRotationFailureError("failed to rotate log channel", err).
			WithContext("channel", ch.name).
			WithContext("lines", before)
		s.logger.Errorf("ALERT: log rotation failed, channel: %s, lines: %d, error: %v", ch.name, before, err)
		if s.config.OnRotationFailure != nil {
			s.config.OnRotationFailure(ch.name, rotationErr)
		}
		return false, rotationErr
	}

	ch.lines = kept
	ch.bytes = countBytes(kept)

	s.logger.Debugf("Rotated log channel, channel: %s, before: %d, after: %d", ch.name, before, len(kept))
	if s.config.OnRotation != nil {
		s.config.OnRotation(ch.name, before, len(kept))
	}
	return true, nil
}

// Clear empties a channel. Sequence numbers keep increasing afterwards.
func (s *Store) Clear(channel string) error {
	ch, err := s.channel(channel)
	if err != nil {
		return err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	if err := s.loadLocked(ch); err != nil {
		return err
	}
	if err := s.writeWithRetry(ch.path, nil); err != nil {
		s.logger.Errorf("Failed to clear log channel, channel: %s, error: %v", channel, err)
		return errors.NewIOError("failed to clear log channel", err).WithContext("channel", channel)
	}

	ch.lines = nil
	ch.bytes = 0
	s.logger.Infof("Cleared log channel, channel: %s", channel)
	return nil
}

// Channels lists every channel that has a file in the store directory
func (s *Store) Channels() ([]string, error) {
	dirEntries, err := os.ReadDir(s.config.Directory)
	if err != nil {
		return nil, errors.NewIOError("failed to list log channels", err).WithContext("directory", s.config.Directory)
	}

	channels := make([]string, 0, len(dirEntries))
	for _, dirEntry := range dirEntries {
		name := dirEntry.Name()
		if dirEntry.IsDir() || !strings.HasSuffix(name, fileExtension) {
			continue
		}
		channel := strings.TrimSuffix(name, fileExtension)
		if ValidateChannel(channel) == nil {
			channels = append(channels, channel)
		}
	}
	sort.Strings(channels)
	return channels, nil
}

// Stats returns the cached size of a channel
func (s *Store) Stats(channel string) (Stats, error) {
	ch, err := s.channel(channel)
	if err != nil {
		return Stats{}, err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	if err := s.loadLocked(ch); err != nil {
		return Stats{}, err
	}
	return Stats{Lines: len(ch.lines), Bytes: ch.bytes, LastSeq: ch.lastSeq}, nil
}

func (s *Store) channel(channel string) (*channelLog, error) {
	if err := ValidateChannel(channel); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[channel]
	if !ok {
		ch = &channelLog{name: channel, path: s.pathFor(channel)}
		s.channels[channel] = ch
	}
	return ch, nil
}

// loadLocked reads the channel file into the cache on first use
func (s *Store) loadLocked(ch *channelLog) error {
	if ch.loaded {
		return nil
	}

	data, err := os.ReadFile(ch.path)
	if err != nil && !os.IsNotExist(err) {
		return errors.NewIOError("failed to load log channel", err).WithContext("channel", ch.name)
	}

	lines := splitLines(data)
	valid := make([][]byte, 0, len(lines))
	var lastSeq uint64
	skipped := 0
	for _, line := range lines {
		var header struct {
			Seq uint64 `json:"seq"`
		}
		if err := json.Unmarshal(line, &header); err != nil {
			skipped++
			continue
		}
		if header.Seq > lastSeq {
			lastSeq = header.Seq
		}
		valid = append(valid, line)
	}
	if skipped > 0 {
		s.logger.Warnf("Dropped unreadable log lines on load, channel: %s, count: %d", ch.name, skipped)
	}

	ch.lines = valid
	ch.bytes = countBytes(valid)
	ch.lastSeq = lastSeq
	ch.loaded = true
	return nil
}

// writeWithRetry writes the full channel content, retrying once
func (s *Store) writeWithRetry(path string, lines [][]byte) error {
	data := joinLines(lines)
	err := s.writeFile(path, data, 0644)
	if err == nil {
		return nil
	}
	s.logger.Warnf("Retrying log file write, path: %s, error: %v", path, err)
	return s.writeFile(path, data, 0644)
}

func (s *Store) policyFor(channel string) RotationPolicy {
	if policy, ok := s.config.Overrides[channel]; ok {
		return policy
	}
	return s.config.Rotation
}

func (s *Store) pathFor(channel string) string {
	return filepath.Join(s.config.Directory, channel+fileExtension)
}

func splitLines(data []byte) [][]byte {
	if len(data) == 0 {
		return nil
	}
	lines := make([][]byte, 0, bytes.Count(data, []byte{'\n'})+1)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		lines = append(lines, append([]byte(nil), line...))
	}
	return lines
}

func joinLines(lines [][]byte) []byte {
	size := 0
	for _, line := range lines {
		size += len(line) + 1
	}
	buf := make([]byte, 0, size)
	for _, line := range lines {
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	return buf
}

// retainedLines is how many trailing lines survive a rotation. Retained
// bytes are capped at half of MaxBytes so the next appends do not rotate
// again right away. At least one line is kept.
func retainedLines(lines [][]byte, policy RotationPolicy) int {
	keep := min(policy.RetentionLines, len(lines))
	if policy.MaxBytes <= 0 {
		return keep
	}

	budget := policy.MaxBytes / 2
	var bytes int64
	for i := 0; i < keep; i++ {
		bytes += int64(len(lines[len(lines)-1-i]) + 1)
		if bytes > budget {
			return max(i, 1)
		}
	}
	return keep
}

func countBytes(lines [][]byte) int64 {
	var total int64
	for _, line := range lines {
		total += int64(len(line) + 1)
	}
	return total
}
