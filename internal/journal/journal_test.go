package journal

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func journalPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "journal.bin")
}

func TestWriteAndReadAll(t *testing.T) {
	path := journalPath(t)

	w, err := NewWriter(path)
	require.NoError(t, err)

	require.NoError(t, w.Section("source"))
	_, err = w.Write([]byte("downloading hello-2.10.tar.xz\n"))
	require.NoError(t, err)
	_, err = w.Write([]byte("checksum ok\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	records, err := ReadAll(path)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, RecordSection, records[0].Type)
	assert.Equal(t, "source", string(records[0].Payload))
	assert.Equal(t, RecordOutput, records[1].Type)
	assert.Equal(t, "downloading hello-2.10.tar.xz\n", string(records[1].Payload))
}

func TestReadAllTruncated(t *testing.T) {
	path := journalPath(t)

	w, err := NewWriter(path)
	require.NoError(t, err)
	_, err = w.Write([]byte("partial run\n"))
	require.NoError(t, err)
	// No Close: simulates a daemon killed mid-task

	records, err := ReadAll(path)
	assert.ErrorIs(t, err, ErrTruncated)
	// Records before the truncation point are still delivered
	require.Len(t, records, 1)
	assert.Equal(t, "partial run\n", string(records[0].Payload))
}

func TestTailWhileWrite(t *testing.T) {
	path := journalPath(t)

	w, err := NewWriter(path)
	require.NoError(t, err)

	var running atomic.Bool
	running.Store(true)

	// Writer goroutine: emit lines with pauses, then close
	go func() {
		for i := 0; i < 10; i++ {
			fmt.Fprintf(w, "line %d\n", i)
			time.Sleep(20 * time.Millisecond)
		}
		w.Close()
		running.Store(false)
	}()

	var buf bytes.Buffer
	err = Tail(context.Background(), path,
		func() (bool, error) { return running.Load(), nil },
		func(r Record) error {
			if r.Type == RecordOutput {
				buf.Write(r.Payload)
			}
			return nil
		})
	require.NoError(t, err)

	// All bytes, in order, no gaps
	var want bytes.Buffer
	for i := 0; i < 10; i++ {
		fmt.Fprintf(&want, "line %d\n", i)
	}
	assert.Equal(t, want.String(), buf.String())
}

func TestTailCancellation(t *testing.T) {
	path := journalPath(t)

	w, err := NewWriter(path)
	require.NoError(t, err)
	defer w.Close()
	_, err = w.Write([]byte("stuck\n"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	err = Tail(ctx, path,
		func() (bool, error) { return true, nil },
		func(Record) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTailSeesRecordsFlushedAtCompletion(t *testing.T) {
	path := journalPath(t)

	w, err := NewWriter(path)
	require.NoError(t, err)

	var running atomic.Bool
	running.Store(true)

	// First poll finds an empty file, then everything lands at once
	go func() {
		time.Sleep(50 * time.Millisecond)
		w.Write([]byte("late burst\n"))
		w.Close()
		running.Store(false)
	}()

	var got []string
	err = Tail(context.Background(), path,
		func() (bool, error) { return running.Load(), nil },
		func(r Record) error {
			if r.Type == RecordOutput {
				got = append(got, string(r.Payload))
			}
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, []string{"late burst\n"}, got)
}
