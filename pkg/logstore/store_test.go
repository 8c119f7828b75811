package logstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pironjulien/trinity-hackathon-sub001/pkg/errors"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/logging"
)

func newTestStore(t *testing.T, policy RotationPolicy) *Store {
	t.Helper()
	store, err := NewStore(Config{Directory: t.TempDir(), Rotation: policy}, logging.NewNullLogger())
	require.NoError(t, err)
	return store
}

func appendN(t *testing.T, store *Store, channel string, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		_, err := store.Append(channel, Entry{Message: fmt.Sprintf("message %d", i)})
		require.NoError(t, err)
	}
}

func TestStore_AppendAssignsSequence(t *testing.T) {
	store := newTestStore(t, RotationPolicy{RetentionLines: 10})

	first, err := store.Append("worker", Entry{Message: "hello", Level: LevelWarn})
	require.NoError(t, err)
	second, err := store.Append("worker", Entry{Message: "world"})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, uint64(2), second.Seq)
	assert.Equal(t, "worker", second.Channel)
	assert.Equal(t, LevelInfo, second.Level)
	assert.False(t, second.Timestamp.IsZero())

	entries, err := store.Read("worker", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "hello", entries[0].Message)
	assert.Equal(t, LevelWarn, entries[0].Level)
	assert.Equal(t, "world", entries[1].Message)
}

func TestStore_ReadReturnsTail(t *testing.T) {
	store := newTestStore(t, RotationPolicy{RetentionLines: 10})
	appendN(t, store, "worker", 5)

	entries, err := store.Read("worker", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "message 4", entries[0].Message)
	assert.Equal(t, "message 5", entries[1].Message)

	missing, err := store.Read("nothing-here", 10)
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestStore_RotationKeepsRetentionAfterThreshold(t *testing.T) {
	store := newTestStore(t, RotationPolicy{MaxLines: 150, RetentionLines: 100})

	appendN(t, store, "alerts", 150)
	entries, err := store.Read("alerts", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 150)

	_, err = store.Append("alerts", Entry{Message: "message 151"})
	require.NoError(t, err)

	entries, err = store.Read("alerts", 0)
	require.NoError(t, err)
	require.Len(t, entries, 100)
	assert.Equal(t, "message 52", entries[0].Message)
	assert.Equal(t, "message 151", entries[99].Message)
	assert.Equal(t, uint64(52), entries[0].Seq)

	for i := 152; i <= 200; i++ {
		_, err := store.Append("alerts", Entry{Message: fmt.Sprintf("message %d", i)})
		require.NoError(t, err)
	}
	entries, err = store.Read("alerts", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 149)
	assert.Equal(t, "message 200", entries[len(entries)-1].Message)
}

func TestStore_RotateRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		appended  int
		retention int
		want      int
	}{
		{"fewer than retention", 3, 10, 3},
		{"equal to retention", 10, 10, 10},
		{"more than retention", 25, 10, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t, RotationPolicy{RetentionLines: tt.retention})
			appendN(t, store, "worker", tt.appended)

			_, err := store.Rotate("worker")
			require.NoError(t, err)

			entries, err := store.Read("worker", 0)
			require.NoError(t, err)
			require.Len(t, entries, tt.want)
			assert.Equal(t, fmt.Sprintf("message %d", tt.appended), entries[len(entries)-1].Message)
		})
	}
}

func TestStore_RotateIfNeededOnByteThreshold(t *testing.T) {
	store := newTestStore(t, RotationPolicy{MaxBytes: 1, RetentionLines: 1})
	appendN(t, store, "worker", 3)

	stats, err := store.Stats("worker")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Lines)
	assert.Equal(t, uint64(3), stats.LastSeq)

	rotated, err := store.RotateIfNeeded("worker")
	require.NoError(t, err)
	assert.False(t, rotated)
}

func TestStore_ByteRotationClampsRetention(t *testing.T) {
	rotations := 0
	store, err := NewStore(Config{
		Directory:  t.TempDir(),
		Rotation:   RotationPolicy{MaxBytes: 2000, RetentionLines: 100},
		OnRotation: func(channel string, before, after int) { rotations++ },
	}, logging.NewNullLogger())
	require.NoError(t, err)

	message := strings.Repeat("x", 100)
	for i := 0; i < 60; i++ {
		_, err := store.Append("worker", Entry{Message: message})
		require.NoError(t, err)

		stats, err := store.Stats("worker")
		require.NoError(t, err)
		assert.LessOrEqual(t, stats.Bytes, int64(2000))
	}

	// Retained lines fit in half the byte budget, so rotations are spaced out
	assert.Greater(t, rotations, 0)
	assert.Less(t, rotations, 20)

	stats, err := store.Stats("worker")
	require.NoError(t, err)
	assert.Equal(t, uint64(60), stats.LastSeq)
	assert.Greater(t, stats.Lines, 1)
}

func TestRetainedLines(t *testing.T) {
	lines := [][]byte{[]byte("aaaa"), []byte("bbbb"), []byte("cccc"), []byte("dddd")}

	assert.Equal(t, 3, retainedLines(lines, RotationPolicy{RetentionLines: 3}))
	assert.Equal(t, 4, retainedLines(lines, RotationPolicy{RetentionLines: 10}))
	// 5 bytes per line against a budget of 10
	assert.Equal(t, 2, retainedLines(lines, RotationPolicy{MaxBytes: 20, RetentionLines: 4}))
	assert.Equal(t, 1, retainedLines(lines, RotationPolicy{MaxBytes: 2, RetentionLines: 4}))
}

func TestStore_RotationFailureKeepsContent(t *testing.T) {
	var failures []error
	store, err := NewStore(Config{
		Directory: t.TempDir(),
		Rotation:  RotationPolicy{MaxLines: 5, RetentionLines: 2},
		OnRotationFailure: func(channel string, err error) {
			failures = append(failures, err)
		},
	}, logging.NewNullLogger())
	require.NoError(t, err)
	appendN(t, store, "worker", 5)

	// The append write succeeds, and both rotation writes fail.
	realWrite := store.writeFile
	calls := 0
	store.writeFile = func(path string, data []byte, perm os.FileMode) error {
		calls++
		if calls == 1 {
			return realWrite(path, data, perm)
		}
		return fmt.Errorf("disk full")
	}

	_, err = store.Append("worker", Entry{Message: "message 6"})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	require.Len(t, failures, 1)
	assert.True(t, errors.IsRotationFailureError(failures[0]))

	entries, err := store.Read("worker", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 6)
}

func TestStore_AppendRetriesOnceThenFails(t *testing.T) {
	store := newTestStore(t, RotationPolicy{RetentionLines: 10})
	appendN(t, store, "worker", 2)

	calls := 0
	store.writeFile = func(path string, data []byte, perm os.FileMode) error {
		calls++
		return fmt.Errorf("read-only filesystem")
	}

	_, err := store.Append("worker", Entry{Message: "lost"})
	require.Error(t, err)
	assert.True(t, errors.IsIOError(err))
	assert.Equal(t, 2, calls)

	entries, err := store.Read("worker", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	stats, err := store.Stats("worker")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), stats.LastSeq)
}

func TestStore_AppendRecoversAfterOneFailedWrite(t *testing.T) {
	store := newTestStore(t, RotationPolicy{RetentionLines: 10})

	realWrite := store.writeFile
	calls := 0
	store.writeFile = func(path string, data []byte, perm os.FileMode) error {
		calls++
		if calls == 1 {
			return fmt.Errorf("transient")
		}
		return realWrite(path, data, perm)
	}

	entry, err := store.Append("worker", Entry{Message: "kept"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), entry.Seq)
}

func TestStore_ClearKeepsSequenceMonotonic(t *testing.T) {
	store := newTestStore(t, RotationPolicy{RetentionLines: 10})
	appendN(t, store, "worker", 3)

	require.NoError(t, store.Clear("worker"))
	entries, err := store.Read("worker", 0)
	require.NoError(t, err)
	assert.Empty(t, entries)

	entry, err := store.Append("worker", Entry{Message: "after clear"})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), entry.Seq)
}

func TestStore_ReloadsSequenceFromDisk(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(Config{Directory: dir, Rotation: RotationPolicy{RetentionLines: 10}}, logging.NewNullLogger())
	require.NoError(t, err)
	appendN(t, store, "worker", 4)

	// Append a torn line that must be skipped on load.
	f, err := os.OpenFile(filepath.Join(dir, "worker.log"), os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("{\"seq\":\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := NewStore(Config{Directory: dir, Rotation: RotationPolicy{RetentionLines: 10}}, logging.NewNullLogger())
	require.NoError(t, err)
	entry, err := reopened.Append("worker", Entry{Message: "next"})
	require.NoError(t, err)
	assert.Equal(t, uint64(5), entry.Seq)

	entries, err := reopened.Read("worker", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 5)
}

func TestStore_ChannelsAndValidation(t *testing.T) {
	store := newTestStore(t, RotationPolicy{RetentionLines: 10})
	appendN(t, store, "worker", 1)
	appendN(t, store, "alerts", 1)

	channels, err := store.Channels()
	require.NoError(t, err)
	assert.Equal(t, []string{"alerts", "worker"}, channels)

	for _, bad := range []string{"", "../etc", "a/b", ".hidden", "with space"} {
		_, err := store.Append(bad, Entry{Message: "x"})
		assert.True(t, errors.IsValidationError(err), "channel %q", bad)
	}
}

func TestStore_ConcurrentAppendsKeepTotalOrder(t *testing.T) {
	store := newTestStore(t, RotationPolicy{RetentionLines: 1000})

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_, err := store.Append("worker", Entry{Message: "concurrent"})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	entries, err := store.Read("worker", 0)
	require.NoError(t, err)
	require.Len(t, entries, 100)
	for i, entry := range entries {
		assert.Equal(t, uint64(i+1), entry.Seq)
	}
}

func TestRotationPolicy_Validate(t *testing.T) {
	assert.NoError(t, RotationPolicy{MaxLines: 150, RetentionLines: 100}.Validate())
	assert.Error(t, RotationPolicy{MaxLines: 10, RetentionLines: 0}.Validate())
	assert.Error(t, RotationPolicy{MaxLines: 10, RetentionLines: 11}.Validate())
	assert.Error(t, RotationPolicy{MaxLines: -1, RetentionLines: 1}.Validate())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelWarn, ParseLevel("WARNING"))
	assert.Equal(t, LevelAlert, ParseLevel("alert"))
	assert.Equal(t, LevelError, ParseLevel("fatal"))
	assert.Equal(t, LevelInfo, ParseLevel("whatever"))
}
