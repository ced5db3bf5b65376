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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/novatechflow/marketlog/pkg/cache"
)

// errTornRead marks a read whose index entry described a tail that a writer
// in another process was rewriting at the same moment.
var errTornRead = errors.New("tail rewritten during read")

const (
	tornReadRetries = 5
	tornReadPause   = 10 * time.Millisecond
)

// retryTorn repeats read while it fails on a tail being replaced. The writer
// updates the data file before the index, so a later attempt sees both.
func retryTorn(ctx context.Context, read func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(tornReadPause), tornReadRetries), ctx)
	return backoff.Retry(func() error {
		err := read()
		if err != nil && !errors.Is(err, errTornRead) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

// Log is a directory of partitions. Every partition is a sequence of size
// rotated JSONL data files, each paired with an IndexFile.
type Log struct {
	cfg    LogConfig
	logger *slog.Logger
	cache  *cache.IndexCache

	mu    sync.Mutex
	parts map[string]*partitionState
}

type partitionState struct {
	mu      sync.RWMutex
	checked bool
}

// Open prepares a log rooted at cfg.Dir. A writable log creates the
// directory and verifies each partition's indexes the first time it is written.
func Open(cfg LogConfig) (*Log, error) {
	if cfg.Dir == "" {
		return nil, errors.New("log dir is required")
	}
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = DefaultMaxFileBytes
	}
	if cfg.ReindexChunkBytes <= 0 {
		cfg.ReindexChunkBytes = DefaultReindexChunkBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Writable {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
	}
	l := &Log{
		cfg:    cfg,
		logger: logger.With("log_dir", cfg.Dir),
		parts:  make(map[string]*partitionState),
	}
	if cfg.IndexCacheBytes > 0 {
		l.cache = cache.NewIndexCache(cfg.IndexCacheBytes)
	}
	return l, nil
}

// Dir returns the root directory.
func (l *Log) Dir() string { return l.cfg.Dir }

// Writable reports whether the handle may modify files.
func (l *Log) Writable() bool { return l.cfg.Writable }

// Partition returns a handle bound to one partition.
func (l *Log) Partition(name string) *Partition {
	return &Partition{log: l, name: name}
}

// Partitions lists the partition directories in name order.
func (l *Log) Partitions() ([]string, error) {
	entries, err := os.ReadDir(l.cfg.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			out = append(out, entry.Name())
		}
	}
	return out, nil
}

func (l *Log) partitionDir(name string) string {
	return filepath.Join(l.cfg.Dir, name)
}

func (l *Log) state(name string) *partitionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.parts[name]
	if !ok {
		st = &partitionState{}
		l.parts[name] = st
	}
	return st
}

// lockWriter takes the partition write lock and runs the open-time
// consistency check once per handle.
func (l *Log) lockWriter(ctx context.Context, partition string) (*partitionState, error) {
	if err := validPartitionName(partition); err != nil {
		return nil, err
	}
	if !l.cfg.Writable {
		return nil, ErrReadOnly
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st := l.state(partition)
	st.mu.Lock()
	if !st.checked {
		if err := l.checkPartitionLocked(ctx, partition); err != nil {
			st.mu.Unlock()
			return nil, err
		}
		st.checked = true
	}
	return st, nil
}

func (l *Log) lockReader(ctx context.Context, partition string) (*partitionState, error) {
	if err := validPartitionName(partition); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st := l.state(partition)
	st.mu.RLock()
	return st, nil
}

// Append stores rec and returns its assigned id.
func (l *Log) Append(ctx context.Context, partition string, rec Record) (uint64, error) {
	ids, err := l.AppendBatch(ctx, partition, []Record{rec})
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

// AppendBatch stores records with one data write and one index write. Ids
// are assigned consecutively. Rotation is only considered before the batch.
func (l *Log) AppendBatch(ctx context.Context, partition string, records []Record) ([]uint64, error) {
	if len(records) == 0 {
		return nil, nil
	}
	st, err := l.lockWriter(ctx, partition)
	if err != nil {
		return nil, err
	}
	ids, sealed, written, err := l.appendLocked(partition, records)
	if err != nil {
		// force a consistency check before the next write
		st.checked = false
	}
	st.mu.Unlock()
	if err != nil {
		return nil, err
	}
	l.afterWrite(partition, sealed, len(records), written)
	return ids, nil
}

func (l *Log) afterWrite(partition string, sealed *SealedFile, records, written int) {
	if sealed != nil && l.cfg.OnRotate != nil {
		l.cfg.OnRotate(partition, *sealed)
	}
	if l.cfg.OnAppend != nil {
		l.cfg.OnAppend(partition, records, written)
	}
}

func (l *Log) appendLocked(partition string, records []Record) ([]uint64, *SealedFile, int, error) {
	active, sealed, err := l.activeFileLocked(partition)
	if err != nil {
		return nil, nil, 0, err
	}
	info, err := os.Stat(active.dataPath)
	if err != nil {
		return nil, sealed, 0, fmt.Errorf("stat data file: %w", err)
	}
	local, global, err := nextPosition(active)
	if err != nil {
		return nil, sealed, 0, err
	}

	pos := uint64(info.Size())
	now := time.Now().UnixMilli()
	ids := make([]uint64, len(records))
	entries := make([]IndexEntry, len(records))
	payload := make([]byte, 0, 256*len(records))
	for i, rec := range records {
		rec.ID = global + uint64(i)
		if rec.Timestamp == 0 {
			rec.Timestamp = now
		}
		line, err := encodeRecord(rec)
		if err != nil {
			return nil, sealed, 0, err
		}
		mt, src := messageTime(rec, l.cfg.TimeExtractor)
		entries[i] = IndexEntry{
			FileNumber:       active.number,
			LineNumberLocal:  local + uint32(i),
			LineNumberGlobal: rec.ID,
			StartByte:        pos,
			EndByte:          pos + uint64(len(line)),
			MessageTime:      mt,
			TimeSource:       src,
		}
		ids[i] = rec.ID
		pos += uint64(len(line))
		payload = append(payload, line...)
	}

	if err := l.writeData(active.dataPath, payload); err != nil {
		return nil, sealed, 0, err
	}
	// the index entry is only written once the data it describes is on disk
	if err := active.index().appendEntries(entries); err != nil {
		return nil, sealed, 0, err
	}
	return ids, sealed, len(payload), nil
}

func (l *Log) writeData(path string, payload []byte) error {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open data file: %w", err)
	}
	defer file.Close()
	if _, err := file.Write(payload); err != nil {
		return fmt.Errorf("append data file %s: %w", path, err)
	}
	if l.cfg.SyncWrites {
		if err := file.Sync(); err != nil {
			return fmt.Errorf("sync data file %s: %w", path, err)
		}
	}
	return nil
}

// activeFileLocked returns the file the next append goes to, rotating first
// when the current one reached the size threshold.
func (l *Log) activeFileLocked(partition string) (dataFile, *SealedFile, error) {
	dir := l.partitionDir(partition)
	files, err := listDataFiles(dir)
	if err != nil {
		return dataFile{}, nil, err
	}
	if len(files) == 0 {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return dataFile{}, nil, fmt.Errorf("create partition dir: %w", err)
		}
		f, err := createDataFile(dir, 0, 1)
		return f, nil, err
	}
	active := files[len(files)-1]
	info, err := os.Stat(active.dataPath)
	if err != nil {
		return dataFile{}, nil, fmt.Errorf("stat data file: %w", err)
	}
	if info.Size() < l.cfg.MaxFileBytes {
		return active, nil, nil
	}
	last, ok, err := active.index().LastEntry()
	if err != nil {
		return dataFile{}, nil, err
	}
	if !ok {
		return active, nil, nil
	}
	next, err := createDataFile(dir, last.LineNumberGlobal+1, active.number+1)
	if err != nil {
		return dataFile{}, nil, err
	}
	sealed := &SealedFile{
		Partition:  partition,
		FirstID:    active.firstID,
		Count:      last.LineNumberGlobal + 1 - active.firstID,
		FileNumber: active.number,
		DataPath:   active.dataPath,
		IndexPath:  active.indexPath,
	}
	l.logger.Info("rotated data file",
		"partition", partition,
		"sealed", filepath.Base(active.dataPath),
		"records", sealed.Count,
		"bytes", info.Size(),
		"next", filepath.Base(next.dataPath))
	return next, sealed, nil
}

func createDataFile(dir string, firstID uint64, number uint32) (dataFile, error) {
	path := filepath.Join(dir, DataFileName(firstID))
	f := dataFile{firstID: firstID, number: number, dataPath: path, indexPath: path + indexFileSuffix}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return dataFile{}, fmt.Errorf("create data file: %w", err)
	}
	if err := file.Close(); err != nil {
		return dataFile{}, err
	}
	if err := f.index().CreateHeader(number, firstID); err != nil {
		return dataFile{}, err
	}
	return f, nil
}

// nextPosition returns the local and global line numbers of the next record in f.
func nextPosition(f dataFile) (uint32, uint64, error) {
	last, ok, err := f.index().LastEntry()
	if err != nil {
		return 0, 0, err
	}
	if ok {
		return last.LineNumberLocal + 1, last.LineNumberGlobal + 1, nil
	}
	return 0, f.firstID, nil
}

// ReadRange returns up to count records starting at fromID. Fewer records are
// returned at the tail; a missing partition yields none.
func (l *Log) ReadRange(ctx context.Context, partition string, fromID uint64, count int) ([]Record, error) {
	if count <= 0 {
		return nil, nil
	}
	var out []Record
	err := retryTorn(ctx, func() error {
		var err error
		out, err = l.readRange(ctx, partition, fromID, count)
		return err
	})
	return out, err
}

func (l *Log) readRange(ctx context.Context, partition string, fromID uint64, count int) ([]Record, error) {
	st, err := l.lockReader(ctx, partition)
	if err != nil {
		return nil, err
	}
	defer st.mu.RUnlock()

	files, err := listDataFiles(l.partitionDir(partition))
	if err != nil || len(files) == 0 {
		return nil, err
	}
	i := locateFile(files, fromID)
	if fromID < files[i].firstID {
		fromID = files[i].firstID
	}
	capHint := count
	if capHint > 1024 {
		capHint = 1024
	}
	out := make([]Record, 0, capHint)
	for ; i < len(files) && len(out) < count; i++ {
		f := files[i]
		if fromID < f.firstID {
			// file names must be contiguous
			return out, fmt.Errorf("%w: partition %s has no file for id %d", ErrCorruptIndex, partition, fromID)
		}
		entries, err := l.readEntries(partition, f, i < len(files)-1, int(fromID-f.firstID), count-len(out))
		if err != nil {
			return out, err
		}
		if len(entries) == 0 {
			continue
		}
		recs, err := readLines(f.dataPath, entries)
		if err != nil {
			return out, err
		}
		out = append(out, recs...)
		fromID += uint64(len(recs))
		if err := ctx.Err(); err != nil {
			return out, err
		}
	}
	return out, nil
}

// readEntries serves sealed indexes from the cache and the active one from disk.
func (l *Log) readEntries(partition string, f dataFile, sealed bool, from, count int) ([]IndexEntry, error) {
	if !sealed || l.cache == nil {
		return f.index().ReadEntries(from, count)
	}
	data, ok := l.cache.Get(partition, f.firstID)
	if !ok {
		raw, err := os.ReadFile(f.indexPath)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("read index %s: %w", f.indexPath, err)
		}
		l.cache.Set(partition, f.firstID, raw)
		data = raw
	}
	return entriesFromIndexBytes(data, from, count), nil
}

// readLines reads the byte span covered by entries in one positioned read.
func readLines(path string, entries []IndexEntry) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open data file: %w", err)
	}
	defer file.Close()
	start := entries[0].StartByte
	end := entries[len(entries)-1].EndByte
	if end < start {
		return nil, fmt.Errorf("%w: %s byte range %d-%d", ErrCorruptIndex, path, start, end)
	}
	buf := make([]byte, end-start)
	if _, err := file.ReadAt(buf, int64(start)); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			err = errors.Join(errTornRead, err)
		}
		return nil, fmt.Errorf("read data file %s at %d: %w", path, start, err)
	}
	out := make([]Record, 0, len(entries))
	for i, e := range entries {
		if e.StartByte < start || e.EndByte > end || e.EndByte < e.StartByte {
			return nil, fmt.Errorf("%w: %s entry %d out of range", ErrCorruptIndex, path, e.LineNumberGlobal)
		}
		rec, err := decodeRecord(buf[e.StartByte-start : e.EndByte-start])
		if err != nil {
			// only the last line of a file can be replaced
			if i == len(entries)-1 {
				err = errors.Join(errTornRead, err)
			}
			return nil, fmt.Errorf("%s line %d: %w", path, e.LineNumberLocal, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// ReadLast returns the most recent record of a partition.
func (l *Log) ReadLast(ctx context.Context, partition string) (Record, bool, error) {
	var (
		rec Record
		ok  bool
	)
	err := retryTorn(ctx, func() error {
		var err error
		rec, ok, err = l.readLast(ctx, partition)
		return err
	})
	return rec, ok, err
}

func (l *Log) readLast(ctx context.Context, partition string) (Record, bool, error) {
	st, err := l.lockReader(ctx, partition)
	if err != nil {
		return Record{}, false, err
	}
	defer st.mu.RUnlock()
	files, err := listDataFiles(l.partitionDir(partition))
	if err != nil {
		return Record{}, false, err
	}
	_, last, ok, err := lastEntry(files)
	if err != nil || !ok {
		return Record{}, false, err
	}
	recs, err := readLines(last.path, []IndexEntry{last.entry})
	if err != nil {
		return Record{}, false, err
	}
	return recs[0], true, nil
}

type locatedEntry struct {
	path  string
	entry IndexEntry
}

// lastEntry finds the final indexed record, skipping a trailing empty file.
func lastEntry(files []dataFile) (int, locatedEntry, bool, error) {
	for i := len(files) - 1; i >= 0; i-- {
		entry, ok, err := files[i].index().LastEntry()
		if err != nil {
			return 0, locatedEntry{}, false, err
		}
		if ok {
			return i, locatedEntry{path: files[i].dataPath, entry: entry}, true, nil
		}
	}
	return 0, locatedEntry{}, false, nil
}

// ReplaceOrInsertLast rewrites the last record keeping its id, or appends
// when the partition is empty. It returns the id of the stored record.
func (l *Log) ReplaceOrInsertLast(ctx context.Context, partition string, rec Record) (uint64, error) {
	return l.replaceLast(ctx, partition, rec, true)
}

// ReplaceLast rewrites the last record and fails with ErrEmptyPartition when
// there is nothing to replace.
func (l *Log) ReplaceLast(ctx context.Context, partition string, rec Record) error {
	_, err := l.replaceLast(ctx, partition, rec, false)
	return err
}

func (l *Log) replaceLast(ctx context.Context, partition string, rec Record, insert bool) (uint64, error) {
	st, err := l.lockWriter(ctx, partition)
	if err != nil {
		return 0, err
	}
	files, err := listDataFiles(l.partitionDir(partition))
	if err != nil {
		st.mu.Unlock()
		return 0, err
	}
	idx, last, ok, err := lastEntry(files)
	if err != nil {
		st.mu.Unlock()
		return 0, err
	}
	if !ok {
		if !insert {
			st.mu.Unlock()
			return 0, ErrEmptyPartition
		}
		ids, sealed, written, err := l.appendLocked(partition, []Record{rec})
		if err != nil {
			st.checked = false
		}
		st.mu.Unlock()
		if err != nil {
			return 0, err
		}
		l.afterWrite(partition, sealed, 1, written)
		return ids[0], nil
	}
	defer st.mu.Unlock()

	rec.ID = last.entry.LineNumberGlobal
	if rec.Timestamp == 0 {
		rec.Timestamp = time.Now().UnixMilli()
	}
	line, err := encodeRecord(rec)
	if err != nil {
		return 0, err
	}
	if err := l.rewriteTail(last.path, last.entry.StartByte, line); err != nil {
		st.checked = false
		return 0, err
	}
	entry := last.entry
	entry.EndByte = entry.StartByte + uint64(len(line))
	entry.MessageTime, entry.TimeSource = messageTime(rec, l.cfg.TimeExtractor)
	if err := files[idx].index().ReplaceLastEntry(entry); err != nil {
		st.checked = false
		return 0, err
	}
	if idx < len(files)-1 && l.cache != nil {
		l.cache.Invalidate(partition)
	}
	return rec.ID, nil
}

// rewriteTail truncates the data file at offset and writes line there.
func (l *Log) rewriteTail(path string, offset uint64, line []byte) error {
	file, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open data file: %w", err)
	}
	defer file.Close()
	if err := file.Truncate(int64(offset)); err != nil {
		return fmt.Errorf("truncate data file %s: %w", path, err)
	}
	if _, err := file.WriteAt(line, int64(offset)); err != nil {
		return fmt.Errorf("rewrite data file %s: %w", path, err)
	}
	if l.cfg.SyncWrites {
		if err := file.Sync(); err != nil {
			return fmt.Errorf("sync data file %s: %w", path, err)
		}
	}
	return nil
}

// NextID returns the id the next append to partition would receive.
func (l *Log) NextID(ctx context.Context, partition string) (uint64, error) {
	st, err := l.lockReader(ctx, partition)
	if err != nil {
		return 0, err
	}
	defer st.mu.RUnlock()
	files, err := listDataFiles(l.partitionDir(partition))
	if err != nil || len(files) == 0 {
		return 0, err
	}
	_, next, err := nextPosition(files[len(files)-1])
	return next, err
}

// FileStat describes one data file of a partition.
type FileStat struct {
	Name       string
	FirstID    uint64
	FileNumber uint32
	Records    int
	DataBytes  int64
	IndexBytes int64
}

// Stat describes the files of a partition in order.
func (l *Log) Stat(ctx context.Context, partition string) ([]FileStat, error) {
	st, err := l.lockReader(ctx, partition)
	if err != nil {
		return nil, err
	}
	defer st.mu.RUnlock()
	files, err := listDataFiles(l.partitionDir(partition))
	if err != nil {
		return nil, err
	}
	out := make([]FileStat, 0, len(files))
	for _, f := range files {
		stat := FileStat{Name: filepath.Base(f.dataPath), FirstID: f.firstID, FileNumber: f.number}
		if info, err := os.Stat(f.dataPath); err == nil {
			stat.DataBytes = info.Size()
		}
		if info, err := os.Stat(f.indexPath); err == nil {
			stat.IndexBytes = info.Size()
			stat.Records = entryCount(info.Size())
		}
		out = append(out, stat)
	}
	return out, nil
}
