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
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/novatechflow/marketlog/pkg/checkpoint"
	"github.com/novatechflow/marketlog/pkg/metrics"
)

var errLeaseLost = errors.New("pipeline lease lost")

type RunnerConfig struct {
	// Leaser, when set, makes every pipeline hold a lease while it runs.
	Leaser         checkpoint.Leaser
	OwnerID        string
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *slog.Logger
}

// Runner supervises pipelines: each runs in its own goroutine and is
// restarted with exponential backoff when it fails.
type Runner struct {
	cfg       RunnerConfig
	pipelines []Pipeline
	logger    *slog.Logger
	mu        sync.Mutex
	running   map[string]bool
}

func NewRunner(cfg RunnerConfig, pipelines ...Pipeline) *Runner {
	if cfg.OwnerID == "" {
		cfg.OwnerID = uuid.NewString()
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:       cfg,
		pipelines: pipelines,
		logger:    logger.With("component", "runner", "owner", cfg.OwnerID),
		running:   make(map[string]bool),
	}
}

// Run blocks until ctx is done and every pipeline returned.
func (r *Runner) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, p := range r.pipelines {
		wg.Add(1)
		go func(p Pipeline) {
			defer wg.Done()
			r.supervise(ctx, p)
		}(p)
	}
	wg.Wait()
}

// Ready reports whether every pipeline is running.
func (r *Runner) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.pipelines {
		if !r.running[p.Name()] {
			return false
		}
	}
	return len(r.pipelines) > 0
}

// Status lists pipelines and whether they currently run.
func (r *Runner) Status() []PipelineStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PipelineStatus, 0, len(r.pipelines))
	for _, p := range r.pipelines {
		out = append(out, PipelineStatus{Name: p.Name(), Running: r.running[p.Name()]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type PipelineStatus struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
}

func (r *Runner) setRunning(name string, running bool) {
	r.mu.Lock()
	r.running[name] = running
	r.mu.Unlock()
}

func (r *Runner) supervise(ctx context.Context, p Pipeline) {
	logger := r.logger.With("pipeline", p.Name())
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialBackoff
	b.MaxInterval = r.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	for ctx.Err() == nil {
		started := time.Now()
		err := r.runOnce(ctx, p)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			logger.Info("pipeline finished")
			return
		}
		// a long healthy run starts the backoff over
		if time.Since(started) > r.cfg.MaxBackoff {
			b.Reset()
		}
		delay := b.NextBackOff()
		metrics.PipelineRestarts.WithLabelValues(p.Name()).Inc()
		logger.Warn("pipeline failed, restarting", "error", err, "delay", delay)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, p Pipeline) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lost atomic.Bool
	if r.cfg.Leaser != nil {
		lease, err := r.cfg.Leaser.ClaimLease(ctx, p.Name(), r.cfg.OwnerID)
		if err != nil {
			return err
		}
		defer func() {
			releaseCtx, done := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer done()
			_ = r.cfg.Leaser.ReleaseLease(releaseCtx, lease)
		}()
		go r.keepLease(runCtx, cancel, &lost, lease)
	}

	r.setRunning(p.Name(), true)
	defer r.setRunning(p.Name(), false)
	err := p.Run(runCtx)
	if lost.Load() {
		return errors.Join(errLeaseLost, err)
	}
	return err
}

// keepLease renews at a third of the TTL and stops the pipeline when a
// renewal fails.
func (r *Runner) keepLease(ctx context.Context, cancel context.CancelFunc, lost *atomic.Bool, lease checkpoint.Lease) {
	interval := r.cfg.Leaser.LeaseTTL() / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.cfg.Leaser.RenewLease(ctx, lease); err != nil {
				if ctx.Err() != nil {
					return
				}
				r.logger.Error("lease renewal failed, stopping pipeline", "pipeline", lease.Name, "error", err)
				lost.Store(true)
				cancel()
				return
			}
		}
	}
}
