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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/novatechflow/marketlog/pkg/checkpoint"
)

type fakePipeline struct {
	name  string
	fails int32
	runs  atomic.Int32
}

func (p *fakePipeline) Name() string { return p.name }

func (p *fakePipeline) Run(ctx context.Context) error {
	if p.runs.Add(1) <= p.fails {
		return errors.New("boom")
	}
	<-ctx.Done()
	return nil
}

type fakeLeaser struct {
	mu        sync.Mutex
	claims    int
	releases  int
	renewFail bool
}

func (l *fakeLeaser) ClaimLease(_ context.Context, name, owner string) (checkpoint.Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.claims++
	return checkpoint.Lease{Name: name, OwnerID: owner}, nil
}

func (l *fakeLeaser) RenewLease(context.Context, checkpoint.Lease) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.renewFail {
		l.renewFail = false
		return checkpoint.ErrLeaseHeld
	}
	return nil
}

func (l *fakeLeaser) ReleaseLease(context.Context, checkpoint.Lease) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releases++
	return nil
}

func (l *fakeLeaser) LeaseTTL() time.Duration { return 30 * time.Millisecond }

func (l *fakeLeaser) counts() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.claims, l.releases
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunnerRestartsFailedPipelines(t *testing.T) {
	flaky := &fakePipeline{name: "trades.binance.BTC-USDT", fails: 2}
	steady := &fakePipeline{name: "order_book.binance.BTC-USDT"}
	r := NewRunner(RunnerConfig{InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}, flaky, steady)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	// the failing runs mark the pipeline running only briefly
	eventually(t, func() bool { return flaky.runs.Load() == 3 && r.Ready() })
	status := r.Status()
	if len(status) != 2 || status[0].Name != steady.name || !status[0].Running {
		t.Fatalf("unexpected status %+v", status)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("runner did not stop")
	}
	if r.Ready() {
		t.Fatalf("stopped runner reports ready")
	}
}

func TestRunnerRestartsAfterLostLease(t *testing.T) {
	leaser := &fakeLeaser{renewFail: true}
	p := &fakePipeline{name: "trades.binance.BTC-USDT"}
	r := NewRunner(RunnerConfig{Leaser: leaser, OwnerID: "node-1", InitialBackoff: time.Millisecond}, p)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	eventually(t, func() bool {
		claims, releases := leaser.counts()
		return claims >= 2 && releases >= 1 && r.Ready()
	})
	cancel()
	<-done
	claims, releases := leaser.counts()
	if releases != claims {
		t.Fatalf("every claimed lease must be released: claims=%d releases=%d", claims, releases)
	}
	if p.runs.Load() < 2 {
		t.Fatalf("pipeline was not restarted")
	}
}

func TestRunnerWithoutPipelinesIsNotReady(t *testing.T) {
	if NewRunner(RunnerConfig{}).Ready() {
		t.Fatalf("empty runner must not be ready")
	}
}
