package wal

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/cube-builder/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func jobEvent(id types.JobID, status types.JobStatus, attempt int) Event {
	return Event{
		Type: EventJobCompleted,
		Jobs: []*types.Job{{ID: id, Build: "b1", Stage: types.StageMerge, Status: status, Attempt: attempt}},
	}
}

func collect(t *testing.T, w *WAL, afterSeq uint64) []Event {
	t.Helper()
	var events []Event
	require.NoError(t, w.Replay(afterSeq, func(e Event) error {
		events = append(events, e)
		return nil
	}))
	return events
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestAppendAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	w, err := NewWAL(path, true)
	require.NoError(t, err)
	defer w.Close()

	for i, status := range []types.JobStatus{types.StatusDispatched, types.StatusFailed, types.StatusSucceeded} {
		seq, err := w.Append(jobEvent("j1", status, i+1))
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), seq)
	}
	assert.Equal(t, uint64(3), w.GetLastSeq())

	events := collect(t, w, 0)
	require.Len(t, events, 3)
	assert.Equal(t, types.StatusSucceeded, events[2].Jobs[0].Status)
	assert.NotZero(t, events[2].Timestamp)

	assert.Len(t, collect(t, w, 2), 1, "events covered by a snapshot are skipped")
}

func TestReopenContinuesSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	w, err := NewWAL(path, false)
	require.NoError(t, err)
	_, err = w.Append(jobEvent("j1", types.StatusDispatched, 1))
	require.NoError(t, err)
	_, err = w.Append(jobEvent("j1", types.StatusSucceeded, 1))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = w.Append(jobEvent("j1", types.StatusSucceeded, 1))
	assert.ErrorIs(t, err, ErrWALClosed)

	reopened, err := NewWAL(path, false)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, uint64(2), reopened.GetLastSeq())

	seq, err := reopened.Append(jobEvent("j2", types.StatusDispatched, 1))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)
}

func TestReplayDetectsTampering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	w, err := NewWAL(path, false)
	require.NoError(t, err)
	_, err = w.Append(jobEvent("j1", types.StatusDispatched, 1))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"attempt":1`, `"attempt":2`, 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0644))

	w, err = NewWAL(path, false)
	require.NoError(t, err)
	defer w.Close()

	err = w.Replay(0, func(Event) error { return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	var csErr *ChecksumError
	require.True(t, errors.As(err, &csErr))
	assert.Equal(t, uint64(1), csErr.Seq)
}

func TestReplayIgnoresTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	w, err := NewWAL(path, false)
	require.NoError(t, err)
	_, err = w.Append(jobEvent("j1", types.StatusDispatched, 1))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"type":"JOB_COMP`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w, err = NewWAL(path, false)
	require.NoError(t, err)
	defer w.Close()
	assert.Equal(t, uint64(1), w.GetLastSeq())

	seq, err := w.Append(jobEvent("j1", types.StatusSucceeded, 1))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
	assert.Len(t, collect(t, w, 0), 2, "the torn tail is truncated before appending")
}

func TestReplayRejectsCorruptMiddle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	require.NoError(t, os.WriteFile(path, []byte("garbage\n{}\n"), 0644))

	_, err := NewWAL(path, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorruptedWAL)
}

func TestRotateArchivesWithZstd(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.log")
	w, err := NewWAL(path, false)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Append(jobEvent("j1", types.StatusDispatched, 1))
	require.NoError(t, err)
	_, err = w.Append(jobEvent("j1", types.StatusSucceeded, 1))
	require.NoError(t, err)

	archive, err := w.Rotate()
	require.NoError(t, err)
	assert.Equal(t, ".zst", filepath.Ext(archive))

	archived, err := ReadArchive(archive)
	require.NoError(t, err)
	assert.Len(t, archived, 2)

	assert.Empty(t, collect(t, w, 0), "new segment starts empty")

	seq, err := w.Append(jobEvent("j2", types.StatusDispatched, 1))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq, "sequence continues across rotation")
}
