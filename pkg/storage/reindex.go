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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Reindex rebuilds every index file of a partition from its data files.
func (l *Log) Reindex(ctx context.Context, partition string) error {
	if err := validPartitionName(partition); err != nil {
		return err
	}
	if !l.cfg.Writable {
		return ErrReadOnly
	}
	st := l.state(partition)
	st.mu.Lock()
	defer st.mu.Unlock()
	files, err := listDataFiles(l.partitionDir(partition))
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := l.reindexFile(ctx, f); err != nil {
			st.checked = false
			return err
		}
	}
	st.checked = true
	l.reindexed(partition, len(files))
	return nil
}

// ReindexAll rebuilds the indexes of every partition.
func (l *Log) ReindexAll(ctx context.Context) error {
	partitions, err := l.Partitions()
	if err != nil {
		return err
	}
	for _, p := range partitions {
		if err := l.Reindex(ctx, p); err != nil {
			return fmt.Errorf("reindex %s: %w", p, err)
		}
	}
	return nil
}

func (l *Log) reindexed(partition string, files int) {
	if files == 0 {
		return
	}
	if l.cache != nil {
		l.cache.Invalidate(partition)
	}
	if l.cfg.OnReindex != nil {
		l.cfg.OnReindex(partition, files)
	}
}

// checkPartitionLocked rebuilds the index of every file that does not match
// its data file.
func (l *Log) checkPartitionLocked(ctx context.Context, partition string) error {
	files, err := listDataFiles(l.partitionDir(partition))
	if err != nil {
		return err
	}
	rebuilt := 0
	for _, f := range files {
		reason := checkFile(f)
		if reason == nil {
			continue
		}
		l.logger.Warn("index inconsistent with data file, reindexing",
			"partition", partition,
			"file", filepath.Base(f.dataPath),
			"reason", reason)
		if err := l.reindexFile(ctx, f); err != nil {
			return err
		}
		rebuilt++
	}
	l.reindexed(partition, rebuilt)
	return nil
}

// checkFile returns nil when the index of f is present and bounds its data exactly.
func checkFile(f dataFile) error {
	idx := f.index()
	if err := idx.Validate(); err != nil {
		return err
	}
	hdr, _, err := idx.ReadHeader()
	if err != nil {
		return err
	}
	if hdr.GlobalLineOffset != f.firstID {
		return fmt.Errorf("header offset %d does not match file name", hdr.GlobalLineOffset)
	}
	if hdr.FileNumber != f.number {
		return fmt.Errorf("header file number %d, expected %d", hdr.FileNumber, f.number)
	}
	info, err := os.Stat(f.dataPath)
	if err != nil {
		return err
	}
	n, err := idx.Count()
	if err != nil {
		return err
	}
	var end uint64
	if n > 0 {
		last, _, err := idx.Entry(n - 1)
		if err != nil {
			return err
		}
		if last.LineNumberGlobal != f.firstID+uint64(n-1) {
			return fmt.Errorf("last entry id %d, expected %d", last.LineNumberGlobal, f.firstID+uint64(n-1))
		}
		end = last.EndByte
	}
	if end != uint64(info.Size()) {
		return fmt.Errorf("index ends at byte %d, data file has %d", end, info.Size())
	}
	return nil
}

// reindexFile scans the data file in fixed size chunks and writes a fresh
// index next to it. Partial lines are carried into the next chunk; a final
// line without a newline is a torn write and gets truncated away.
func (l *Log) reindexFile(ctx context.Context, f dataFile) error {
	file, err := os.OpenFile(f.dataPath, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open data file: %w", err)
	}
	defer file.Close()

	chunk := make([]byte, l.cfg.ReindexChunkBytes)
	var (
		carry   []byte
		pos     uint64
		entries []IndexEntry
	)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, readErr := file.Read(chunk)
		if n > 0 {
			buf := append(carry, chunk[:n]...)
			consumed := 0
			for {
				nl := bytes.IndexByte(buf[consumed:], '\n')
				if nl < 0 {
					break
				}
				line := buf[consumed : consumed+nl+1]
				start := pos + uint64(consumed)
				consumed += nl + 1
				if len(bytes.TrimSpace(line)) == 0 {
					continue
				}
				rec, err := decodeRecord(line)
				if err != nil {
					return fmt.Errorf("reindex %s at byte %d: %w", f.dataPath, start, err)
				}
				mt, src := messageTime(rec, l.cfg.TimeExtractor)
				local := len(entries)
				entries = append(entries, IndexEntry{
					FileNumber:       f.number,
					LineNumberLocal:  uint32(local),
					LineNumberGlobal: f.firstID + uint64(local),
					StartByte:        start,
					EndByte:          start + uint64(len(line)),
					MessageTime:      mt,
					TimeSource:       src,
				})
			}
			pos += uint64(consumed)
			carry = append([]byte(nil), buf[consumed:]...)
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return fmt.Errorf("read data file %s: %w", f.dataPath, readErr)
		}
	}
	if len(carry) > 0 {
		l.logger.Warn("truncating torn write",
			"file", filepath.Base(f.dataPath),
			"offset", pos,
			"bytes", len(carry))
		if err := file.Truncate(int64(pos)); err != nil {
			return fmt.Errorf("truncate torn write %s: %w", f.dataPath, err)
		}
	}

	image := append(encodeHeader(IndexHeader{Version: indexVersion, FileNumber: f.number, GlobalLineOffset: f.firstID}), encodeEntries(entries)...)
	tmp := f.indexPath + ".tmp"
	if err := os.WriteFile(tmp, image, 0o644); err != nil {
		return fmt.Errorf("write index %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, f.indexPath); err != nil {
		return fmt.Errorf("replace index %s: %w", f.indexPath, err)
	}
	l.logger.Info("reindexed data file",
		"file", filepath.Base(f.dataPath),
		"records", len(entries))
	return nil
}
