// Package journal persists finalized run snapshots to an append-only log so
// partial results survive a host crash mid-sweep. One record per run,
// length-prefixed JSON; a torn tail record is truncated away on open.
package journal

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/eminmutu/sweepflow/internal/domain"
	"github.com/eminmutu/sweepflow/internal/ports"
)

const recordHeaderLen = 12

// RunJournal is an on-disk record of completed and partial runs.
type RunJournal struct {
	mu        sync.Mutex
	path      string
	file      *os.File
	writer    *bufio.Writer
	nextSeq   uint64
	sizeBytes int64
}

func NewRunJournal(dir string) (*RunJournal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "runs.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	j := &RunJournal{
		path:   path,
		file:   f,
		writer: bufio.NewWriterSize(f, 1<<18),
	}
	if err := j.bootstrap(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return j, nil
}

// bootstrap scans the existing log, recovering the last sequence number and
// truncating a torn final record left by a crash mid-write.
func (j *RunJournal) bootstrap() error {
	stat, err := os.Stat(j.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err != nil || stat.Size() == 0 {
		return nil
	}

	rf, err := os.Open(j.path)
	if err != nil {
		return err
	}
	defer rf.Close()

	reader := bufio.NewReader(rf)
	var offset int64
	for {
		var hdr [recordHeaderLen]byte
		if _, err := io.ReadFull(reader, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				if err := j.file.Truncate(offset); err != nil {
					return err
				}
				break
			}
			return fmt.Errorf("journal scan header: %w", err)
		}
		seq := binary.BigEndian.Uint64(hdr[0:8])
		length := binary.BigEndian.Uint32(hdr[8:12])

		if _, err := io.CopyN(io.Discard, reader, int64(length)); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				if err := j.file.Truncate(offset); err != nil {
					return err
				}
				break
			}
			return fmt.Errorf("journal scan body: %w", err)
		}

		offset += recordHeaderLen + int64(length)
		if seq > j.nextSeq {
			j.nextSeq = seq
		}
	}

	j.sizeBytes = offset
	_, err = j.file.Seek(0, io.SeekEnd)
	return err
}

// WriteRuns appends each snapshot as one record and flushes.
func (j *RunJournal) WriteRuns(runs []domain.RunSnapshot) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	for i := range runs {
		b, err := json.Marshal(&runs[i])
		if err != nil {
			return fmt.Errorf("journal marshal run %d: %w", runs[i].RunIndex, err)
		}

		seq := j.nextSeq + 1
		// record format: [8 bytes seq][4 bytes len][len bytes json]
		var hdr [recordHeaderLen]byte
		binary.BigEndian.PutUint64(hdr[0:8], seq)
		binary.BigEndian.PutUint32(hdr[8:12], uint32(len(b)))

		if _, err := j.writer.Write(hdr[:]); err != nil {
			return err
		}
		if _, err := j.writer.Write(b); err != nil {
			return err
		}
		j.nextSeq = seq
		j.sizeBytes += int64(len(b) + len(hdr))
	}
	return j.writer.Flush()
}

func (j *RunJournal) Name() string { return "journal" }

// Iterate replays every journaled run in append order.
func (j *RunJournal) Iterate(fn func(seq uint64, run domain.RunSnapshot) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.writer.Flush(); err != nil {
		return err
	}

	f, err := os.Open(j.path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		var hdr [recordHeaderLen]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("journal iterate header: %w", err)
		}
		seq := binary.BigEndian.Uint64(hdr[0:8])
		length := binary.BigEndian.Uint32(hdr[8:12])

		b := make([]byte, length)
		if _, err := io.ReadFull(r, b); err != nil {
			return fmt.Errorf("corrupt journal record: %w", err)
		}

		var run domain.RunSnapshot
		if err := json.Unmarshal(b, &run); err != nil {
			return fmt.Errorf("corrupt journal record %d: %w", seq, err)
		}
		if err := fn(seq, run); err != nil {
			return err
		}
	}
}

// SizeBytes reports the on-disk size, for gauges.
func (j *RunJournal) SizeBytes() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.sizeBytes
}

func (j *RunJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.writer.Flush(); err != nil {
		_ = j.file.Close()
		return err
	}
	return j.file.Close()
}

var _ ports.RunSink = (*RunJournal)(nil)
