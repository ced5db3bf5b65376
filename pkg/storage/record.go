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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	dataFileSuffix = ".jsonl"
	fileNameDigits = 32
)

// encodeRecord renders rec as a single JSON line including the trailing newline.
func encodeRecord(rec Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rec); err != nil {
		return nil, fmt.Errorf("encode record %d: %w", rec.ID, err)
	}
	return buf.Bytes(), nil
}

func decodeRecord(line []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(bytes.TrimRight(line, "\r\n"), &rec); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

// messageTime picks the indexed time for rec.
func messageTime(rec Record, extractor TimeExtractor) (int64, TimeSource) {
	if extractor != nil {
		return extractor(rec), TimeSourceExtracted
	}
	return rec.Timestamp, TimeSourceCreated
}

// dataFile is one data/index pair of a partition.
type dataFile struct {
	firstID   uint64
	number    uint32
	dataPath  string
	indexPath string
}

func (f dataFile) index() *IndexFile { return NewIndexFile(f.indexPath) }

// DataFileName returns the zero padded file name for a file starting at firstID.
func DataFileName(firstID uint64) string {
	return fmt.Sprintf("%0*d%s", fileNameDigits, firstID, dataFileSuffix)
}

func parseDataFileName(name string) (uint64, bool) {
	if !strings.HasSuffix(name, dataFileSuffix) {
		return 0, false
	}
	digits := strings.TrimSuffix(name, dataFileSuffix)
	if len(digits) != fileNameDigits {
		return 0, false
	}
	id, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// listDataFiles returns the data files of dir sorted by first id. A missing
// directory yields no files.
func listDataFiles(dir string) ([]dataFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	files := make([]dataFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id, ok := parseDataFileName(entry.Name())
		if !ok {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		files = append(files, dataFile{firstID: id, dataPath: path, indexPath: path + indexFileSuffix})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].firstID < files[j].firstID })
	for i := range files {
		files[i].number = uint32(i + 1)
	}
	return files, nil
}

// locateFile returns the position of the file holding id.
func locateFile(files []dataFile, id uint64) int {
	i := sort.Search(len(files), func(i int) bool { return files[i].firstID > id })
	if i == 0 {
		return 0
	}
	return i - 1
}

func validPartitionName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid partition name %q", name)
	}
	return nil
}
