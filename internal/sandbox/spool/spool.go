// Package spool provides an output buffer that starts in memory and spills
// to a scratch file once it crosses a size threshold. Captured command output
// is adversarial by construction, so it must never grow process memory in
// proportion to its volume.
package spool

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrClosed is returned by operations on a closed Buffer.
var ErrClosed = errors.New("spool: buffer closed")

// Buffer is a write-once, read-many output sink. Writes go to memory until
// memLimit bytes, then everything moves to an unlinked-on-Close temp file.
// Buffer is not safe for concurrent use; one goroutine writes, readers come
// after the writer is done.
type Buffer struct {
	memLimit int64
	mem      bytes.Buffer
	file     *os.File
	size     int64
	closed   bool
}

// New returns a Buffer that spills to disk after memLimit bytes.
// A non-positive limit spills on the first write.
func New(memLimit int64) *Buffer {
	return &Buffer{memLimit: memLimit}
}

// Write appends p, spilling to a scratch file when the memory ceiling is hit.
func (b *Buffer) Write(p []byte) (int, error) {
	if b.closed {
		return 0, ErrClosed
	}

	if b.file == nil && b.size+int64(len(p)) > b.memLimit {
		if err := b.spill(); err != nil {
			return 0, err
		}
	}

	var (
		n   int
		err error
	)
	if b.file != nil {
		n, err = b.file.Write(p)
	} else {
		n, err = b.mem.Write(p)
	}
	b.size += int64(n)
	return n, err
}

func (b *Buffer) spill() error {
	f, err := os.CreateTemp("", "gradebox-spool-*")
	if err != nil {
		return fmt.Errorf("spool: create scratch file: %w", err)
	}
	if _, err := f.Write(b.mem.Bytes()); err != nil {
		f.Close()
		os.Remove(f.Name())
		return fmt.Errorf("spool: flush to scratch file: %w", err)
	}
	b.mem.Reset()
	b.file = f
	return nil
}

// Len reports the number of bytes written so far.
func (b *Buffer) Len() int64 { return b.size }

// Spilled reports whether the buffer has moved to disk.
func (b *Buffer) Spilled() bool { return b.file != nil }

// Reader returns an independent reader over the full contents. Multiple
// readers may be taken; each starts at offset zero.
func (b *Buffer) Reader() (io.Reader, error) {
	if b.closed {
		return nil, ErrClosed
	}
	if b.file != nil {
		return io.NewSectionReader(b.file, 0, b.size), nil
	}
	return bytes.NewReader(b.mem.Bytes()), nil
}

// Bytes reads the full contents into memory. Intended for output that is
// bounded by a truncation ceiling; unbounded output should go through Reader.
func (b *Buffer) Bytes() ([]byte, error) {
	r, err := b.Reader()
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

// Close releases the scratch file, if any. The buffer is unusable afterwards.
func (b *Buffer) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	b.mem.Reset()
	if b.file != nil {
		name := b.file.Name()
		err := b.file.Close()
		if rmErr := os.Remove(name); err == nil {
			err = rmErr
		}
		b.file = nil
		return err
	}
	return nil
}
