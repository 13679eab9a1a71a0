// Package journal implements the append-only binary journal capturing a
// task's console output. The daemon writes framed records while the task
// runs; watchers tail the file on an independent read path that never blocks
// the writer. Each record is a little-endian header {type uint16, length
// uint32} followed by length payload bytes. An exit record marks the end of
// output; a tailer reaching EOF without one on a finished task reports the
// journal as truncated.
package journal

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// RecordType identifies the payload of one journal record.
type RecordType uint16

const (
	// RecordOutput carries raw console bytes from the task pipeline
	RecordOutput RecordType = 1

	// RecordSection marks the start of a named pipeline stage
	RecordSection RecordType = 2

	// RecordExit marks the end of the journal; no records follow it
	RecordExit RecordType = 3
)

// headerSize is the length of the frame header: type uint16 + length uint32.
const headerSize = 6

// ErrTruncated is returned by a tailer that hit EOF on a finished task
// without seeing the exit record.
var ErrTruncated = errors.New("journal ended without exit record")

// Writer appends framed records to a journal file. Safe for concurrent use;
// each record is written with a single Write call under the lock so readers
// never observe interleaved frames.
type Writer struct {
	mu sync.Mutex
	f  *os.File
}

// NewWriter opens (or creates) the journal file for appending.
func NewWriter(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", path, err)
	}
	return &Writer{f: f}, nil
}

// Write appends one output record. Implements io.Writer so the journal can
// capture subprocess stdout/stderr directly.
func (w *Writer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := w.writeRecord(RecordOutput, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Section appends a stage marker record.
func (w *Writer) Section(name string) error {
	return w.writeRecord(RecordSection, []byte(name))
}

// Close appends the exit record and closes the file. The exit record is what
// tells tailers the stream ended normally.
func (w *Writer) Close() error {
	if err := w.writeRecord(RecordExit, nil); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

func (w *Writer) writeRecord(rt RecordType, payload []byte) error {
	frame := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint16(frame[0:2], uint16(rt))
	binary.LittleEndian.PutUint32(frame[2:6], uint32(len(payload)))
	copy(frame[headerSize:], payload)

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.f.Write(frame); err != nil {
		return fmt.Errorf("failed to append journal record: %w", err)
	}
	return nil
}

// Record is one decoded journal record.
type Record struct {
	Type    RecordType
	Payload []byte
}

// Tail streams journal records to handle, starting from the beginning of the
// file. While running() reports true, Tail keeps polling for new records; a
// partially written frame is simply retried on the next poll. Tail returns
// nil after the exit record, ErrTruncated when the task is finished and the
// journal ends without one, or ctx.Err() on cancellation.
//
// Tailers never block the writer: they only ever read the file.
func Tail(ctx context.Context, path string, running func() (bool, error), handle func(Record) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open journal %s: %w", path, err)
	}
	defer f.Close()

	var offset int64
	for {
		record, next, err := readRecord(f, offset)
		switch {
		case err == nil:
			if record.Type == RecordExit {
				return nil
			}
			if err := handle(record); err != nil {
				return err
			}
			offset = next
			continue

		case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
			// No complete frame at offset yet. If the task still runs the
			// writer may append more; otherwise the journal is truncated.
			stillRunning, rerr := running()
			if rerr != nil {
				return rerr
			}
			if !stillRunning {
				// One final read catches records flushed between the last
				// poll and the state change.
				if record, next, err := readRecord(f, offset); err == nil {
					if record.Type == RecordExit {
						return nil
					}
					if err := handle(record); err != nil {
						return err
					}
					offset = next
					continue
				}
				return ErrTruncated
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(200 * time.Millisecond):
			}

		default:
			return err
		}
	}
}

// readRecord decodes one frame at offset. Returns the record and the offset
// of the next frame. Incomplete frames yield io.EOF or io.ErrUnexpectedEOF
// without advancing.
func readRecord(f *os.File, offset int64) (Record, int64, error) {
	header := make([]byte, headerSize)
	if _, err := f.ReadAt(header, offset); err != nil {
		return Record{}, offset, err
	}
	rt := RecordType(binary.LittleEndian.Uint16(header[0:2]))
	length := binary.LittleEndian.Uint32(header[2:6])

	payload := make([]byte, length)
	if length > 0 {
		if _, err := f.ReadAt(payload, offset+headerSize); err != nil {
			return Record{}, offset, err
		}
	}
	return Record{Type: rt, Payload: payload}, offset + headerSize + int64(length), nil
}

// ReadAll decodes a finished journal into records. Returns ErrTruncated when
// the exit record is missing.
func ReadAll(path string) ([]Record, error) {
	var records []Record
	err := Tail(context.Background(), path,
		func() (bool, error) { return false, nil },
		func(r Record) error { records = append(records, r); return nil })
	if err != nil {
		return records, err
	}
	return records, nil
}
