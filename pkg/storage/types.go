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
	"encoding/json"
	"errors"
	"log/slog"
)

// Record is a single stored line. ID is assigned by the log on append and is
// the 0-based position of the record inside its partition.
type Record struct {
	ID        uint64          `json:"id"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// TimeSource tells whether an index entry's message time came from the
// record timestamp or from a payload extractor.
type TimeSource uint8

const (
	TimeSourceCreated TimeSource = iota
	TimeSourceExtracted
)

func (s TimeSource) String() string {
	if s == TimeSourceExtracted {
		return "extracted"
	}
	return "created"
}

// IndexHeader is the fixed 64 byte prefix of every index file.
type IndexHeader struct {
	Version          uint8
	FileNumber       uint32
	GlobalLineOffset uint64
}

// IndexEntry describes one line of a data file. StartByte/EndByte form a
// half-open range that includes the trailing newline.
type IndexEntry struct {
	FileNumber       uint32
	LineNumberLocal  uint32
	LineNumberGlobal uint64
	StartByte        uint64
	EndByte          uint64
	MessageTime      int64
	TimeSource       TimeSource
}

// TimeExtractor derives the message time of a record from its payload.
type TimeExtractor func(rec Record) int64

// SealedFile is a data file that was closed by rotation and will not change.
type SealedFile struct {
	Partition  string
	FirstID    uint64
	Count      uint64
	FileNumber uint32
	DataPath   string
	IndexPath  string
}

// LogConfig configures a log directory.
type LogConfig struct {
	Dir string
	// Writable opens the log as the single writer. Read-only handles never
	// modify files and are safe to use next to a writer, also in another
	// process: a read racing a replaced last record is retried.
	Writable bool
	// MaxFileBytes is the rotation threshold of the active data file.
	MaxFileBytes int64
	// SyncWrites fsyncs data files before the index entry is written.
	SyncWrites bool
	// ReindexChunkBytes is the read size used when rebuilding an index.
	ReindexChunkBytes int
	// IndexCacheBytes bounds the sealed index cache. Zero disables it.
	IndexCacheBytes int
	TimeExtractor   TimeExtractor
	OnRotate        func(partition string, sealed SealedFile)
	OnAppend        func(partition string, records int, bytes int)
	OnReindex       func(partition string, files int)
	Logger          *slog.Logger
}

const (
	// DefaultMaxFileBytes is 4096 * 25600 bytes.
	DefaultMaxFileBytes      = 4096 * 25600
	DefaultReindexChunkBytes = 256 * 1024
)

var (
	// ErrEmptyIndex is returned when replacing the last entry of an index without entries.
	ErrEmptyIndex = errors.New("cannot replace last index entry in empty index")
	// ErrEmptyPartition is returned when replacing the last record of an empty partition.
	ErrEmptyPartition = errors.New("cannot replace last record in empty partition")
	// ErrCorruptIndex is returned when an index file is malformed.
	ErrCorruptIndex = errors.New("corrupt index")
	// ErrReadOnly is returned by write operations on a read-only log.
	ErrReadOnly = errors.New("log opened read-only")
)
