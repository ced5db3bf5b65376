// Copyright 2025 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
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

package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

const (
	indexVersion     = 1
	indexHeaderSize  = 64
	indexEntrySize   = 64
	indexFileSuffix  = ".idx"
	timeSourceOffset = 40
)

// IndexFile is the binary side index of one data file. The layout is
// little-endian: a 64 byte header followed by one 64 byte entry per line.
//
//	header: version u8 @0, fileNumber u32 @1, globalLineOffset u64 @5
//	entry:  fileNumber u32 @0, lineNumberLocal u32 @4, lineNumberGlobal u64 @8,
//	        startByte u64 @16, endByte u64 @24, messageTime u64 @32, timeSource u8 @40
//
// IndexFile holds no open descriptors. Reads against a missing file return
// empty results.
type IndexFile struct {
	path string
}

// NewIndexFile returns a handle for the index at path.
func NewIndexFile(path string) *IndexFile {
	return &IndexFile{path: path}
}

// Path returns the file path.
func (f *IndexFile) Path() string { return f.path }

// CreateHeader creates or truncates the file and writes a fresh header.
func (f *IndexFile) CreateHeader(fileNumber uint32, globalLineOffset uint64) error {
	buf := encodeHeader(IndexHeader{Version: indexVersion, FileNumber: fileNumber, GlobalLineOffset: globalLineOffset})
	if err := os.WriteFile(f.path, buf, 0o644); err != nil {
		return fmt.Errorf("create index header %s: %w", f.path, err)
	}
	return nil
}

// AppendEntry appends one entry.
func (f *IndexFile) AppendEntry(entry IndexEntry) error {
	return f.appendEntries([]IndexEntry{entry})
}

func (f *IndexFile) appendEntries(entries []IndexEntry) error {
	if len(entries) == 0 {
		return nil
	}
	file, err := os.OpenFile(f.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open index %s: %w", f.path, err)
	}
	defer file.Close()
	if _, err := file.Write(encodeEntries(entries)); err != nil {
		return fmt.Errorf("append index %s: %w", f.path, err)
	}
	return nil
}

// ReplaceLastEntry truncates the final entry and appends entry in its place.
func (f *IndexFile) ReplaceLastEntry(entry IndexEntry) error {
	info, err := os.Stat(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrEmptyIndex
	}
	if err != nil {
		return fmt.Errorf("stat index %s: %w", f.path, err)
	}
	if info.Size() < indexHeaderSize+indexEntrySize {
		return ErrEmptyIndex
	}
	file, err := os.OpenFile(f.path, os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open index %s: %w", f.path, err)
	}
	defer file.Close()
	last := info.Size() - indexEntrySize
	if err := file.Truncate(last); err != nil {
		return fmt.Errorf("truncate index %s: %w", f.path, err)
	}
	if _, err := file.WriteAt(encodeEntry(entry), last); err != nil {
		return fmt.Errorf("rewrite index %s: %w", f.path, err)
	}
	return nil
}

// ReadHeader returns the header. The boolean is false when the file does not exist.
func (f *IndexFile) ReadHeader() (IndexHeader, bool, error) {
	file, err := os.Open(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return IndexHeader{}, false, nil
	}
	if err != nil {
		return IndexHeader{}, false, fmt.Errorf("open index %s: %w", f.path, err)
	}
	defer file.Close()
	buf := make([]byte, indexHeaderSize)
	if _, err := io.ReadFull(file, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return IndexHeader{}, false, fmt.Errorf("%w: %s header truncated", ErrCorruptIndex, f.path)
		}
		return IndexHeader{}, false, fmt.Errorf("read index header %s: %w", f.path, err)
	}
	return decodeHeader(buf), true, nil
}

// Count returns the number of entries, zero for a missing file.
func (f *IndexFile) Count() (int, error) {
	info, err := os.Stat(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("stat index %s: %w", f.path, err)
	}
	return entryCount(info.Size()), nil
}

// ReadEntries reads up to count entries starting at from with a single
// positioned read. A negative count reads to the end.
func (f *IndexFile) ReadEntries(from, count int) ([]IndexEntry, error) {
	if from < 0 || count == 0 {
		return nil, nil
	}
	file, err := os.Open(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open index %s: %w", f.path, err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat index %s: %w", f.path, err)
	}
	total := entryCount(info.Size())
	if from >= total {
		return nil, nil
	}
	n := total - from
	if count > 0 && count < n {
		n = count
	}
	buf := make([]byte, n*indexEntrySize)
	if _, err := file.ReadAt(buf, int64(indexHeaderSize+from*indexEntrySize)); err != nil {
		return nil, fmt.Errorf("read index %s: %w", f.path, err)
	}
	return decodeEntries(buf), nil
}

// Entry returns entry i. The boolean is false when i is out of range.
func (f *IndexFile) Entry(i int) (IndexEntry, bool, error) {
	entries, err := f.ReadEntries(i, 1)
	if err != nil || len(entries) == 0 {
		return IndexEntry{}, false, err
	}
	return entries[0], true, nil
}

// LastEntry returns the final entry, if any.
func (f *IndexFile) LastEntry() (IndexEntry, bool, error) {
	n, err := f.Count()
	if err != nil || n == 0 {
		return IndexEntry{}, false, err
	}
	return f.Entry(n - 1)
}

// Validate checks the size invariant and the header version.
func (f *IndexFile) Validate() error {
	info, err := os.Stat(f.path)
	if err != nil {
		return fmt.Errorf("stat index %s: %w", f.path, err)
	}
	size := info.Size()
	if size < indexHeaderSize || (size-indexHeaderSize)%indexEntrySize != 0 {
		return fmt.Errorf("%w: %s has size %d", ErrCorruptIndex, f.path, size)
	}
	hdr, _, err := f.ReadHeader()
	if err != nil {
		return err
	}
	if hdr.Version != indexVersion {
		return fmt.Errorf("%w: %s unsupported version %d", ErrCorruptIndex, f.path, hdr.Version)
	}
	return nil
}

func entryCount(size int64) int {
	if size <= indexHeaderSize {
		return 0
	}
	// a partially written trailing entry is not counted
	return int((size - indexHeaderSize) / indexEntrySize)
}

func encodeHeader(h IndexHeader) []byte {
	buf := make([]byte, indexHeaderSize)
	buf[0] = h.Version
	binary.LittleEndian.PutUint32(buf[1:5], h.FileNumber)
	binary.LittleEndian.PutUint64(buf[5:13], h.GlobalLineOffset)
	return buf
}

func decodeHeader(buf []byte) IndexHeader {
	return IndexHeader{
		Version:          buf[0],
		FileNumber:       binary.LittleEndian.Uint32(buf[1:5]),
		GlobalLineOffset: binary.LittleEndian.Uint64(buf[5:13]),
	}
}

func encodeEntry(e IndexEntry) []byte {
	buf := make([]byte, indexEntrySize)
	putEntry(buf, e)
	return buf
}

func encodeEntries(entries []IndexEntry) []byte {
	buf := make([]byte, len(entries)*indexEntrySize)
	for i, e := range entries {
		putEntry(buf[i*indexEntrySize:(i+1)*indexEntrySize], e)
	}
	return buf
}

func putEntry(buf []byte, e IndexEntry) {
	binary.LittleEndian.PutUint32(buf[0:4], e.FileNumber)
	binary.LittleEndian.PutUint32(buf[4:8], e.LineNumberLocal)
	binary.LittleEndian.PutUint64(buf[8:16], e.LineNumberGlobal)
	binary.LittleEndian.PutUint64(buf[16:24], e.StartByte)
	binary.LittleEndian.PutUint64(buf[24:32], e.EndByte)
	binary.LittleEndian.PutUint64(buf[32:40], uint64(e.MessageTime))
	buf[timeSourceOffset] = byte(e.TimeSource)
}

func decodeEntry(buf []byte) IndexEntry {
	return IndexEntry{
		FileNumber:       binary.LittleEndian.Uint32(buf[0:4]),
		LineNumberLocal:  binary.LittleEndian.Uint32(buf[4:8]),
		LineNumberGlobal: binary.LittleEndian.Uint64(buf[8:16]),
		StartByte:        binary.LittleEndian.Uint64(buf[16:24]),
		EndByte:          binary.LittleEndian.Uint64(buf[24:32]),
		MessageTime:      int64(binary.LittleEndian.Uint64(buf[32:40])),
		TimeSource:       TimeSource(buf[timeSourceOffset]),
	}
}

func decodeEntries(buf []byte) []IndexEntry {
	out := make([]IndexEntry, 0, len(buf)/indexEntrySize)
	for off := 0; off+indexEntrySize <= len(buf); off += indexEntrySize {
		out = append(out, decodeEntry(buf[off:off+indexEntrySize]))
	}
	return out
}

// entriesFromIndexBytes slices entries out of a whole index file image.
func entriesFromIndexBytes(data []byte, from, count int) []IndexEntry {
	total := entryCount(int64(len(data)))
	if from < 0 || from >= total || count == 0 {
		return nil
	}
	n := total - from
	if count > 0 && count < n {
		n = count
	}
	start := indexHeaderSize + from*indexEntrySize
	return decodeEntries(data[start : start+n*indexEntrySize])
}
