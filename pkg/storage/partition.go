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

import "context"

// Partition is a Log bound to one partition name.
type Partition struct {
	log  *Log
	name string
}

// Name returns the partition name.
func (p *Partition) Name() string { return p.name }

func (p *Partition) Append(ctx context.Context, rec Record) (uint64, error) {
	return p.log.Append(ctx, p.name, rec)
}

func (p *Partition) AppendBatch(ctx context.Context, records []Record) ([]uint64, error) {
	return p.log.AppendBatch(ctx, p.name, records)
}

func (p *Partition) ReadRange(ctx context.Context, fromID uint64, count int) ([]Record, error) {
	return p.log.ReadRange(ctx, p.name, fromID, count)
}

func (p *Partition) ReadLast(ctx context.Context) (Record, bool, error) {
	return p.log.ReadLast(ctx, p.name)
}

func (p *Partition) ReplaceOrInsertLast(ctx context.Context, rec Record) (uint64, error) {
	return p.log.ReplaceOrInsertLast(ctx, p.name, rec)
}

func (p *Partition) ReplaceLast(ctx context.Context, rec Record) error {
	return p.log.ReplaceLast(ctx, p.name, rec)
}

func (p *Partition) Reindex(ctx context.Context) error {
	return p.log.Reindex(ctx, p.name)
}

func (p *Partition) NextID(ctx context.Context) (uint64, error) {
	return p.log.NextID(ctx, p.name)
}
