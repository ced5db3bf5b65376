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
	"testing"
	"time"
)

func TestArchiverUploadsSealedFilesAndRestores(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryS3Client()
	if err := store.EnsureBucket(ctx); err != nil {
		t.Fatalf("EnsureBucket: %v", err)
	}
	var ops int
	archiver := NewArchiver(store, ArchiverConfig{
		Prefix: "trades",
		OnOp:   func(op string, d time.Duration, err error) { ops++ },
	})
	l := openTestLog(t, t.TempDir(), func(cfg *LogConfig) {
		cfg.MaxFileBytes = 150
		cfg.OnRotate = archiver.OnRotate
	})
	appendN(t, l, "BTCUSDT", 0, 12)

	// drain synchronously instead of running the worker
	uploaded := 0
	for {
		select {
		case sealed := <-archiver.queue:
			if err := archiver.Upload(ctx, sealed); err != nil {
				t.Fatalf("Upload: %v", err)
			}
			uploaded++
			continue
		default:
		}
		break
	}
	if uploaded == 0 {
		t.Fatalf("expected sealed files to be queued")
	}
	objects, err := store.List(ctx, "trades/BTCUSDT/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(objects) != uploaded*2 {
		t.Fatalf("expected %d objects got %d", uploaded*2, len(objects))
	}
	if objects[0].Key != "trades/BTCUSDT/"+DataFileName(0) {
		t.Fatalf("unexpected first key %s", objects[0].Key)
	}

	restoreDir := t.TempDir()
	n, err := archiver.Restore(ctx, "BTCUSDT", restoreDir)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if n != len(objects) {
		t.Fatalf("restored %d files, expected %d", n, len(objects))
	}
	restored, err := Open(LogConfig{Dir: restoreDir})
	if err != nil {
		t.Fatalf("Open restored: %v", err)
	}
	recs, err := restored.ReadRange(ctx, "BTCUSDT", 0, 100)
	if err != nil {
		t.Fatalf("ReadRange restored: %v", err)
	}
	if len(recs) == 0 || recs[len(recs)-1].ID != uint64(len(recs)-1) {
		t.Fatalf("restored records not contiguous: %d", len(recs))
	}
	again, err := archiver.Restore(ctx, "BTCUSDT", restoreDir)
	if err != nil || again != 0 {
		t.Fatalf("second restore should skip existing files: %d %v", again, err)
	}
	if ops == 0 {
		t.Fatalf("expected object store callbacks")
	}
}

func TestArchiverRunDrainsOnShutdown(t *testing.T) {
	store := NewMemoryS3Client()
	archiver := NewArchiver(store, ArchiverConfig{Prefix: "book"})
	l := openTestLog(t, t.TempDir(), func(cfg *LogConfig) {
		cfg.MaxFileBytes = 100
		cfg.OnRotate = archiver.OnRotate
	})
	appendN(t, l, "ETHUSDT", 0, 6)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := archiver.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	objects, _ := store.List(context.Background(), "book/ETHUSDT/")
	if len(objects) == 0 {
		t.Fatalf("expected queued uploads to be drained")
	}
}
