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

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/novatechflow/marketlog/pkg/storage"
)

func seedLog(t *testing.T, n int) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "unified_trade")
	l, err := storage.Open(storage.LogConfig{Dir: dir, Writable: true, MaxFileBytes: 256})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < n; i++ {
		data := fmt.Sprintf(`{"platformTradeId":%d}`, i)
		if _, err := l.Append(context.Background(), "BTC-USDT", storage.Record{Timestamp: int64(i), Data: []byte(data)}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	return dir
}

func TestTailAndLast(t *testing.T) {
	dir := seedLog(t, 12)
	var out bytes.Buffer
	if err := run(context.Background(), []string{"tail", "-dir", dir, "-partition", "BTC-USDT", "-from", "5", "-limit", "3"}, &out); err != nil {
		t.Fatalf("tail: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines got %q", out.String())
	}
	var rec storage.Record
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil || rec.ID != 5 {
		t.Fatalf("first tailed record %+v %v", rec, err)
	}

	out.Reset()
	if err := run(context.Background(), []string{"tail", "-dir", dir, "-partition", "BTC-USDT"}, &out); err != nil {
		t.Fatalf("tail all: %v", err)
	}
	if n := strings.Count(out.String(), "\n"); n != 12 {
		t.Fatalf("expected 12 records got %d", n)
	}

	out.Reset()
	if err := run(context.Background(), []string{"last", "-dir", dir, "-partition", "BTC-USDT"}, &out); err != nil {
		t.Fatalf("last: %v", err)
	}
	if err := json.Unmarshal(out.Bytes(), &rec); err != nil || rec.ID != 11 {
		t.Fatalf("last record %+v %v", rec, err)
	}
	if err := run(context.Background(), []string{"last", "-dir", dir, "-partition", "ETH-USDT"}, &out); err == nil {
		t.Fatalf("expected error for empty partition")
	}
}

func TestStatAndReindex(t *testing.T) {
	dir := seedLog(t, 12)
	part := filepath.Join(dir, "BTC-USDT")
	entries, err := os.ReadDir(part)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".idx") {
			if err := os.Remove(filepath.Join(part, e.Name())); err != nil {
				t.Fatalf("remove index: %v", err)
			}
		}
	}
	var out bytes.Buffer
	if err := run(context.Background(), []string{"reindex", "-dir", dir}, &out); err != nil {
		t.Fatalf("reindex: %v", err)
	}

	out.Reset()
	if err := run(context.Background(), []string{"stat", "-dir", dir, "-partition", "BTC-USDT"}, &out); err != nil {
		t.Fatalf("stat: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) < 3 || !strings.HasPrefix(lines[0], "FILE") {
		t.Fatalf("expected a header and several rotated files:\n%s", out.String())
	}
	total := 0
	for _, line := range lines[1:] {
		var name string
		var number, first, records int
		if _, err := fmt.Sscanf(line, "%s %d %d %d", &name, &number, &first, &records); err != nil {
			t.Fatalf("parse %q: %v", line, err)
		}
		total += records
	}
	if total != 12 {
		t.Fatalf("indexes cover %d records", total)
	}
}

func TestRestoreFromArchive(t *testing.T) {
	ctx := context.Background()
	src := seedLog(t, 8)
	client := storage.NewMemoryS3Client()
	archiver := storage.NewArchiver(client, storage.ArchiverConfig{Prefix: "marketlog/unified_trade"})
	part := filepath.Join(src, "BTC-USDT")
	entries, err := os.ReadDir(part)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		body, err := os.ReadFile(filepath.Join(part, e.Name()))
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if err := client.Upload(ctx, archiver.Key("BTC-USDT", e.Name()), body); err != nil {
			t.Fatalf("upload: %v", err)
		}
	}

	dst := filepath.Join(t.TempDir(), "unified_trade")
	var out bytes.Buffer
	if err := restore(ctx, client, "marketlog", dst, "unified_trade", "BTC-USDT", &out); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !strings.Contains(out.String(), "restored") {
		t.Fatalf("unexpected output %q", out.String())
	}
	l, err := storage.Open(storage.LogConfig{Dir: dst})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	recs, err := l.ReadRange(ctx, "BTC-USDT", 0, 100)
	if err != nil || len(recs) != 8 {
		t.Fatalf("restored %d records: %v", len(recs), err)
	}
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	if err := run(context.Background(), []string{"explode"}, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected error")
	}
	if err := run(context.Background(), []string{"stat", "-dir", t.TempDir()}, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected error without -partition")
	}
}
