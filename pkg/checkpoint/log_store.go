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

package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/novatechflow/marketlog/pkg/storage"
)

// LogStore keeps each key as a single-record partition of a log and
// upserts it with ReplaceOrInsertLast.
type LogStore struct {
	log *storage.Log
}

// NewLogStore opens a writable log at dir for checkpoints.
func NewLogStore(dir string) (*LogStore, error) {
	l, err := storage.Open(storage.LogConfig{Dir: dir, Writable: true, SyncWrites: true})
	if err != nil {
		return nil, fmt.Errorf("open checkpoint log: %w", err)
	}
	return &LogStore{log: l}, nil
}

func (s *LogStore) Load(ctx context.Context, key string) (*State, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	rec, ok, err := s.log.ReadLast(ctx, key)
	if err != nil || !ok {
		return nil, err
	}
	var state State
	if err := json.Unmarshal(rec.Data, &state); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", key, err)
	}
	return &state, nil
}

func (s *LogStore) Save(ctx context.Context, key string, state State) error {
	if err := validKey(key); err != nil {
		return err
	}
	if state.Timestamp == 0 {
		state.Timestamp = time.Now().UnixMilli()
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	_, err = s.log.ReplaceOrInsertLast(ctx, key, storage.Record{Timestamp: state.Timestamp, Data: data})
	return err
}

func (s *LogStore) Close() error { return nil }
