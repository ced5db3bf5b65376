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

// Package merge pulls batches from several named sources under explicit
// control of the consumer.
//
// Every call to Merger.Next returns all items the merger currently holds.
// The consumer answers with a Control: items listed in Done are dropped,
// sources listed in TakeMore are asked for their next batch. Everything
// else is kept and handed out again on the following call, so a consumer
// can look at one source while it waits on another. Later calls return as
// soon as any fetch delivered; fetches still running are picked up on a
// following call. When nothing is available the call returns an empty batch
// after the heartbeat so the caller gets a chance to check for shutdown.
package merge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"
)

// DefaultHeartbeat bounds how long Next waits for data.
const DefaultHeartbeat = time.Second

var (
	// ErrStopped is returned once the stop predicate fired or the context ended.
	ErrStopped = errors.New("merger stopped")
	// ErrExhausted is returned when every source ended and nothing is cached.
	ErrExhausted = errors.New("all sources exhausted")
)

// Source produces batches. It returns io.EOF once it has nothing more to give;
// values returned together with io.EOF are still delivered.
type Source[T any] interface {
	Next(ctx context.Context) ([]T, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc[T any] func(ctx context.Context) ([]T, error)

func (f SourceFunc[T]) Next(ctx context.Context) ([]T, error) { return f(ctx) }

// Item is one value tagged with its source. Items keep their identity when
// copied, which is what Control.Done is matched against.
type Item[T any] struct {
	Source string
	Value  T
	seq    uint64
}

// Control is the consumer's answer to the previous batch.
type Control[T any] struct {
	Done     []Item[T]
	TakeMore []string
}

// Options tunes a Merger.
type Options struct {
	Heartbeat time.Duration
	// Stopped is polled on every call; once it returns true the merger ends.
	Stopped func() bool
}

type sourceState[T any] struct {
	src       Source[T]
	cache     []Item[T]
	inflight  bool
	exhausted bool
}

type fetchResult[T any] struct {
	name   string
	values []T
	err    error
}

// Merger drives a set of sources. It is not safe for concurrent use; one
// goroutine owns the Next loop.
type Merger[T any] struct {
	names   []string
	sources map[string]*sourceState[T]
	opts    Options
	results chan fetchResult[T]
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	seq     uint64
}

// New builds a merger over sources. No source is read before the first Next.
func New[T any](sources map[string]Source[T], opts Options) *Merger[T] {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Merger[T]{
		sources: make(map[string]*sourceState[T], len(sources)),
		opts:    opts,
		// at most one fetch per source is in flight, so sends never block
		results: make(chan fetchResult[T], len(sources)),
		ctx:     ctx,
		cancel:  cancel,
	}
	for name, src := range sources {
		m.names = append(m.names, name)
		m.sources[name] = &sourceState[T]{src: src}
	}
	sort.Strings(m.names)
	return m
}

// Close cancels in-flight fetches. The merger must not be used afterwards.
func (m *Merger[T]) Close() {
	m.cancel()
}

// Next applies ctl and returns the items currently held, grouped by source
// name. The first call reads from every source and ignores ctl.
func (m *Merger[T]) Next(ctx context.Context, ctl Control[T]) ([]Item[T], error) {
	if m.stopped(ctx) {
		return nil, ErrStopped
	}
	requested := make(map[string]bool)
	// a round that finished nothing waits for news from running fetches
	idle := m.started && len(ctl.Done) == 0
	priming := !m.started
	if priming {
		m.started = true
		for _, name := range m.names {
			m.fetch(name, requested)
		}
	} else {
		m.evict(ctl.Done)
		for _, name := range ctl.TakeMore {
			m.fetch(name, requested)
		}
	}

	if m.cacheEmpty() && m.allExhausted() {
		return nil, ErrExhausted
	}
	if len(requested) > 0 || m.cacheEmpty() || (idle && m.anyInflight()) {
		if err := m.wait(ctx, requested, priming); err != nil {
			return nil, err
		}
	}
	if err := m.drain(); err != nil {
		return nil, err
	}
	if m.cacheEmpty() && m.allExhausted() {
		return nil, ErrExhausted
	}
	return m.snapshot(), nil
}

func (m *Merger[T]) stopped(ctx context.Context) bool {
	if ctx.Err() != nil || m.ctx.Err() != nil {
		return true
	}
	return m.opts.Stopped != nil && m.opts.Stopped()
}

// fetch starts a read unless one is already running for name.
func (m *Merger[T]) fetch(name string, requested map[string]bool) {
	st, ok := m.sources[name]
	if !ok || st.inflight || st.exhausted {
		return
	}
	st.inflight = true
	requested[name] = true
	go func(src Source[T]) {
		values, err := src.Next(m.ctx)
		select {
		case m.results <- fetchResult[T]{name: name, values: values, err: err}:
		case <-m.ctx.Done():
		}
	}(st.src)
}

func (m *Merger[T]) evict(done []Item[T]) {
	if len(done) == 0 {
		return
	}
	seqs := make(map[uint64]struct{}, len(done))
	for _, item := range done {
		seqs[item.seq] = struct{}{}
	}
	for _, st := range m.sources {
		kept := st.cache[:0]
		for _, item := range st.cache {
			if _, ok := seqs[item.seq]; !ok {
				kept = append(kept, item)
			}
		}
		// release references held by the dropped tail
		for i := len(kept); i < len(st.cache); i++ {
			st.cache[i] = Item[T]{}
		}
		st.cache = kept
	}
}

// wait blocks until a fetch delivers something while the cache holds data.
// The priming round instead waits for every requested fetch so the first
// batch covers all sources. The heartbeat bounds both.
func (m *Merger[T]) wait(ctx context.Context, requested map[string]bool, priming bool) error {
	timer := time.NewTimer(m.opts.Heartbeat)
	defer timer.Stop()
	for {
		if !m.anyInflight() {
			if !m.cacheEmpty() || m.allExhausted() {
				return nil
			}
			// nothing can arrive before the heartbeat
			select {
			case <-timer.C:
				return nil
			case <-ctx.Done():
				return ErrStopped
			}
		}
		select {
		case r := <-m.results:
			if err := m.accept(r); err != nil {
				return err
			}
			delete(requested, r.name)
			if priming && len(requested) > 0 {
				continue
			}
			if !m.cacheEmpty() {
				return nil
			}
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ErrStopped
		}
	}
}

func (m *Merger[T]) drain() error {
	for {
		select {
		case r := <-m.results:
			if err := m.accept(r); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (m *Merger[T]) accept(r fetchResult[T]) error {
	st := m.sources[r.name]
	st.inflight = false
	for _, v := range r.values {
		m.seq++
		st.cache = append(st.cache, Item[T]{Source: r.name, Value: v, seq: m.seq})
	}
	switch {
	case r.err == nil:
		return nil
	case errors.Is(r.err, io.EOF):
		st.exhausted = true
		return nil
	case m.ctx.Err() != nil:
		return ErrStopped
	default:
		return fmt.Errorf("source %s: %w", r.name, r.err)
	}
}

func (m *Merger[T]) cacheEmpty() bool {
	for _, st := range m.sources {
		if len(st.cache) > 0 {
			return false
		}
	}
	return true
}

func (m *Merger[T]) anyInflight() bool {
	for _, st := range m.sources {
		if st.inflight {
			return true
		}
	}
	return false
}

func (m *Merger[T]) allExhausted() bool {
	for _, st := range m.sources {
		if !st.exhausted || st.inflight {
			return false
		}
	}
	return true
}

func (m *Merger[T]) snapshot() []Item[T] {
	n := 0
	for _, st := range m.sources {
		n += len(st.cache)
	}
	out := make([]Item[T], 0, n)
	for _, name := range m.names {
		out = append(out, m.sources[name].cache...)
	}
	return out
}
