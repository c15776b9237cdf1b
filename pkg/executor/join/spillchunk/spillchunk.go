// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package spillchunk implements the on-disk record stream the hash-join
// driver spills build and probe rows into once the in-memory hash buffer
// can no longer hold them. A chunk is an append-only sequence of
// `(optional_prefix_byte, length, bytes)` records; it supports rewinding
// to read what was written, then resuming writes or reads where a prior
// sequence left off (SetAppend / ContinueRead).
package spillchunk

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Mode selects which single-byte prefix, if any, precedes each record's
// length field. The match flag and the file-set number occupy the same
// byte position on disk but are never enabled together; making the
// prefix's meaning part of the chunk's type keeps a caller from writing a
// match flag into a file-set-numbered chunk or vice versa.
type Mode int

const (
	// ModePlain writes no prefix byte; used for build-side chunks, which
	// never need per-row match tracking.
	ModePlain Mode = iota
	// ModeMatchFlag writes a one-byte "has this row ever matched" prefix;
	// used for probe-side chunks when join_type == Outer.
	ModeMatchFlag
	// ModeFileSetNo writes a one-byte file-set-number prefix in the same
	// position a match flag would occupy; used by sibling set operators
	// that partition on this same chunk format. Never combined with
	// ModeMatchFlag on the same chunk.
	ModeFileSetNo
)

const lengthFieldBytes = 8

// Chunk is a single spill file: either a build chunk, a probe chunk, or the
// probe-row-saving file, all sharing the same on-disk record layout.
type Chunk struct {
	mode Mode
	path string
	file *os.File
	w    *bufio.Writer
	r    *bufio.Reader

	numRows int64

	lastWritePos int64
	lastReadPos  int64

	lenBuf [lengthFieldBytes]byte
}

// New creates (but does not yet open) a chunk with the given mode. dir is
// the directory to create the backing file in, with an empty dir selecting
// os.TempDir(); prefix is a
// stable, human-readable tag (e.g. "buildchunk", "probesaving") used
// alongside a uuid suffix so concurrently running joins never collide on a
// file name.
func New(mode Mode, dir, prefix string) *Chunk {
	if dir == "" {
		dir = os.TempDir()
	}
	name := prefix + "-" + uuid.NewString() + ".chunk"
	return &Chunk{mode: mode, path: filepath.Join(dir, name)}
}

// Init creates the backing file and positions the chunk for writing.
func (c *Chunk) Init() error {
	f, err := os.OpenFile(c.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return errors.Annotatef(err, "spillchunk: create %s", c.path)
	}
	c.file = f
	c.w = bufio.NewWriter(f)
	c.r = nil
	c.numRows = 0
	c.lastWritePos = 0
	c.lastReadPos = 0
	return nil
}

// Path returns the chunk's backing file path, for diagnostics.
func (c *Chunk) Path() string { return c.path }

// NumRows returns the number of records written (and not since truncated by
// a failed write) to this chunk.
func (c *Chunk) NumRows() int64 { return c.numRows }

// SetNumRows lets the driver record a landmark row count, e.g. before
// draining a partial build chunk so it can tell how many rows of this pair
// it still owes a subsequent pass.
func (c *Chunk) SetNumRows(n int64) { c.numRows = n }

// prefixByte validates prefix against the chunk's mode and returns the byte
// to write, or ok=false if no prefix byte should be written at all (plain
// mode).
func (c *Chunk) prefixByte(matchFlag bool, fileSetNo uint8) (b byte, ok bool) {
	switch c.mode {
	case ModePlain:
		return 0, false
	case ModeMatchFlag:
		if matchFlag {
			return 1, true
		}
		return 0, true
	case ModeFileSetNo:
		return fileSetNo, true
	default:
		panic("spillchunk: unknown mode")
	}
}

// WriteRecord appends one record: an optional mode-dependent prefix byte,
// an 8-byte length, then the row bytes themselves. matchFlag is consulted
// only in ModeMatchFlag; fileSetNo only in ModeFileSetNo. A failed write
// leaves NumRows at the count before this call: the caller must not assume
// the partial bytes of a failed record are visible on a later read.
func (c *Chunk) WriteRecord(row []byte, matchFlag bool, fileSetNo uint8) error {
	if b, ok := c.prefixByte(matchFlag, fileSetNo); ok {
		if err := c.w.WriteByte(b); err != nil {
			return errors.Annotatef(err, "spillchunk: write prefix to %s", c.path)
		}
	}
	binary.LittleEndian.PutUint64(c.lenBuf[:], uint64(len(row)))
	if _, err := c.w.Write(c.lenBuf[:]); err != nil {
		return errors.Annotatef(err, "spillchunk: write length to %s", c.path)
	}
	if _, err := c.w.Write(row); err != nil {
		return errors.Annotatef(err, "spillchunk: write payload to %s", c.path)
	}
	c.numRows++
	return nil
}

// ReadRecord reads one record into dst, growing it if necessary, and
// returns the slice actually holding the row's bytes along with the
// mode-dependent prefix value (matchFlag meaningful only in ModeMatchFlag,
// fileSetNo only in ModeFileSetNo). io.EOF is returned exactly at a record
// boundary; any other error indicates a truncated or corrupt chunk.
func (c *Chunk) ReadRecord(dst []byte) (row []byte, matchFlag bool, fileSetNo uint8, err error) {
	if c.r == nil {
		return nil, false, 0, errors.New("spillchunk: Rewind must be called before ReadRecord")
	}
	if c.mode != ModePlain {
		b, err := c.r.ReadByte()
		if err != nil {
			if err == io.EOF {
				return nil, false, 0, io.EOF
			}
			return nil, false, 0, errors.Annotatef(err, "spillchunk: read prefix from %s", c.path)
		}
		if c.mode == ModeMatchFlag {
			matchFlag = b != 0
		} else {
			fileSetNo = b
		}
	}
	if _, err := io.ReadFull(c.r, c.lenBuf[:]); err != nil {
		if err == io.EOF && c.mode == ModePlain {
			return nil, false, 0, io.EOF
		}
		return nil, false, 0, errors.Annotatef(err, "spillchunk: read length from %s", c.path)
	}
	n := binary.LittleEndian.Uint64(c.lenBuf[:])
	if uint64(cap(dst)) < n {
		dst = make([]byte, n)
	}
	dst = dst[:n]
	if _, err := io.ReadFull(c.r, dst); err != nil {
		return nil, false, 0, errors.Annotatef(err, "spillchunk: read payload from %s", c.path)
	}
	return dst, matchFlag, fileSetNo, nil
}

// Rewind flushes any pending writes and positions the chunk for reading
// from the very start. It also stashes the write position the flush left
// off at, so a later SetAppend resumes writing after everything written so
// far rather than truncating it.
func (c *Chunk) Rewind() error {
	if err := c.flushAndSaveWritePos(); err != nil {
		return err
	}
	if _, err := c.file.Seek(0, io.SeekStart); err != nil {
		return errors.Annotatef(err, "spillchunk: seek %s", c.path)
	}
	c.r = bufio.NewReader(c.file)
	c.lastReadPos = 0
	return nil
}

// SetAppend resumes writing at the write position saved by the most recent
// flush (Rewind or ContinueRead), letting the driver interleave a read pass
// and a write pass on the same chunk without losing either cursor.
func (c *Chunk) SetAppend() error {
	c.saveReadPos()
	if _, err := c.file.Seek(c.lastWritePos, io.SeekStart); err != nil {
		return errors.Annotatef(err, "spillchunk: seek to append position in %s", c.path)
	}
	c.w = bufio.NewWriter(c.file)
	c.r = nil
	return nil
}

// ContinueRead resumes reading at the position saved by the most recent
// read sequence, the counterpart to SetAppend.
func (c *Chunk) ContinueRead() error {
	if err := c.flushAndSaveWritePos(); err != nil {
		return err
	}
	if _, err := c.file.Seek(c.lastReadPos, io.SeekStart); err != nil {
		return errors.Annotatef(err, "spillchunk: seek to resume position in %s", c.path)
	}
	c.r = bufio.NewReader(c.file)
	return nil
}

// flushAndSaveWritePos flushes any pending writes and records the resulting
// file offset as the write-resume point for a future SetAppend.
func (c *Chunk) flushAndSaveWritePos() error {
	if c.w == nil {
		return nil
	}
	if err := c.w.Flush(); err != nil {
		return errors.Annotatef(err, "spillchunk: flush %s", c.path)
	}
	pos, err := c.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return errors.Annotatef(err, "spillchunk: seek %s", c.path)
	}
	c.lastWritePos = pos
	return nil
}

// saveReadPos records the current file offset as the read-resume point;
// callers invoke this right before switching away from reading (e.g. right
// before SetAppend), since one fd cannot remember two independent cursors.
func (c *Chunk) saveReadPos() {
	if c.r == nil {
		return
	}
	pos, err := c.file.Seek(0, io.SeekCurrent)
	if err != nil {
		log.Warn("spillchunk: failed to capture read position", zap.String("path", c.path), zap.Error(err))
		return
	}
	// bufio.Reader may have buffered ahead of the actual consumed bytes;
	// back the saved position off by whatever is still buffered and unread.
	pos -= int64(c.r.Buffered())
	c.lastReadPos = pos
}

// Close flushes any pending writes and closes the backing file. The caller
// is responsible for calling Remove afterwards once the chunk's lifetime
// has ended; chunks never outlive their join.
func (c *Chunk) Close() error {
	if c.w != nil {
		if err := c.w.Flush(); err != nil {
			log.Warn("spillchunk: flush on close failed", zap.String("path", c.path), zap.Error(err))
		}
	}
	if c.file == nil {
		return nil
	}
	return errors.Trace(c.file.Close())
}

// Remove deletes the backing file. Safe to call after Close even if Init
// was never reached.
func (c *Chunk) Remove() error {
	if c.path == "" {
		return nil
	}
	err := os.Remove(c.path)
	if err != nil && !os.IsNotExist(err) {
		return errors.Annotatef(err, "spillchunk: remove %s", c.path)
	}
	return nil
}
