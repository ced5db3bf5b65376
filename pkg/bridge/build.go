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

package bridge

import (
	"fmt"

	"github.com/novatechflow/marketlog/pkg/checkpoint"
	"github.com/novatechflow/marketlog/pkg/config"
	"github.com/novatechflow/marketlog/pkg/consumer"
	"github.com/novatechflow/marketlog/pkg/symbols"
)

// BuildPipelines creates one pipeline per configured (kind, venue, symbol).
func BuildPipelines(cfg config.Config, table *symbols.Table, deps Deps) ([]Pipeline, error) {
	var out []Pipeline
	seen := make(map[string]bool)
	for _, pc := range cfg.Pipelines {
		for _, sym := range pc.Symbols {
			if _, ok := table.Denormalize(pc.Venue, sym); !ok {
				return nil, fmt.Errorf("pipeline %s: symbol %s is not mapped for venue %s", pc.Kind, sym, pc.Venue)
			}
			opts := pipelineOptions(cfg, pc, sym)
			var (
				p   Pipeline
				err error
			)
			switch pc.Kind {
			case config.PipelineTrades:
				p, err = NewTradePipeline(deps, opts)
			case config.PipelineOrderBook:
				p, err = NewBookPipeline(deps, opts)
			default:
				err = fmt.Errorf("unknown pipeline kind %q", pc.Kind)
			}
			if err != nil {
				return nil, err
			}
			if seen[p.Name()] {
				return nil, fmt.Errorf("pipeline %s configured twice", p.Name())
			}
			seen[p.Name()] = true
			out = append(out, p)
		}
	}
	return out, nil
}

func pipelineOptions(cfg config.Config, pc config.PipelineConfig, symbol string) PipelineOptions {
	return PipelineOptions{
		Venue:     pc.Venue,
		Symbol:    symbol,
		MaxWaits:  pc.MaxWaits,
		Heartbeat: cfg.Merger.Heartbeat(),
		Consumer: consumer.Options{
			BatchSize:         cfg.Consumer.BatchSize,
			BackfillBatchSize: cfg.Consumer.BackfillBatchSize,
			BackfillAttempts:  cfg.Consumer.BackfillAttempts,
			BackfillBackoff:   cfg.Consumer.BackfillBackoff(),
			IdleCatchUp:       cfg.Consumer.IdleCatchUp(),
		},
		Batcher: checkpoint.BatcherConfig{
			MaxPending: cfg.Checkpoint.MaxPending,
			MaxWait:    cfg.Checkpoint.MaxWait(),
			ChunkSize:  cfg.Checkpoint.ChunkSize,
		},
	}
}
