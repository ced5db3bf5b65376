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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/novatechflow/marketlog/pkg/metrics"
	"github.com/novatechflow/marketlog/pkg/storage"
	"github.com/novatechflow/marketlog/pkg/symbols"
	"github.com/novatechflow/marketlog/pkg/transport"
	"github.com/novatechflow/marketlog/pkg/venue"
)

var (
	ErrUnknownStream = errors.New("unknown stream")
	ErrUnknownSymbol = errors.New("unknown symbol")
)

const maxEnvelopeBytes = 16 << 20

// Recorder is the write side of the bridge: it persists an exchange envelope
// to its stream log and then offers it to live subscribers.
type Recorder struct {
	logs     *Logs
	registry *venue.Registry
	symbols  *symbols.Table
	bus      transport.Publisher
	logger   *slog.Logger
	now      func() time.Time
}

func NewRecorder(logs *Logs, registry *venue.Registry, table *symbols.Table, bus transport.Publisher, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		logs:     logs,
		registry: registry,
		symbols:  table,
		bus:      bus,
		logger:   logger.With("component", "recorder"),
		now:      time.Now,
	}
}

// Record stores one envelope under its normalized symbol and returns the
// stored record with its id. A failed publish is logged, not returned: the
// consumers backfill from the log.
func (r *Recorder) Record(ctx context.Context, id venue.StreamID, envelope []byte) (storage.Record, string, error) {
	stream, ok := r.registry.Lookup(id)
	if !ok {
		return storage.Record{}, "", fmt.Errorf("%w: %s", ErrUnknownStream, id)
	}
	if !gjson.ValidBytes(envelope) {
		return storage.Record{}, "", fmt.Errorf("%s: %w: invalid json", id, venue.ErrMalformed)
	}
	raw, err := stream.Symbol(envelope)
	if err != nil {
		return storage.Record{}, "", err
	}
	symbol, ok := r.symbols.Normalize(stream.Venue, raw)
	if !ok {
		return storage.Record{}, "", fmt.Errorf("%w: %s %s", ErrUnknownSymbol, stream.Venue, raw)
	}
	ts := gjson.GetBytes(envelope, "timestamp").Int()
	if ts <= 0 {
		ts = r.now().UnixMilli()
	}
	l, err := r.logs.Open(string(id))
	if err != nil {
		return storage.Record{}, "", err
	}
	rec := storage.Record{Timestamp: ts, Data: json.RawMessage(envelope)}
	rec.ID, err = l.Append(ctx, symbol, rec)
	if err != nil {
		return storage.Record{}, "", fmt.Errorf("append %s/%s: %w", id, symbol, err)
	}
	if err := r.bus.Publish(ctx, string(id), symbol, []storage.Record{rec}); err != nil {
		metrics.ErrorsTotal.WithLabelValues("publish").Inc()
		r.logger.Warn("live publish failed", "stream", id, "symbol", symbol, "id", rec.ID, "error", err)
	}
	return rec, symbol, nil
}

type ingestResponse struct {
	Records int    `json:"records"`
	LastID  uint64 `json:"lastId"`
	Error   string `json:"error,omitempty"`
}

// Handler serves POST /ingest/{stream} with one JSON envelope per line.
func (r *Recorder) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /ingest/{stream}", r.serveIngest)
	return mux
}

func (r *Recorder) serveIngest(w http.ResponseWriter, req *http.Request) {
	id := venue.StreamID(req.PathValue("stream"))
	scanner := bufio.NewScanner(http.MaxBytesReader(w, req.Body, maxEnvelopeBytes*64))
	scanner.Buffer(make([]byte, 0, 64*1024), maxEnvelopeBytes)

	var resp ingestResponse
	status := http.StatusOK
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		rec, _, err := r.Record(req.Context(), id, append([]byte(nil), line...))
		if err != nil {
			status = statusFor(err)
			resp.Error = err.Error()
			break
		}
		resp.Records++
		resp.LastID = rec.ID
	}
	if err := scanner.Err(); err != nil && resp.Error == "" {
		status = http.StatusBadRequest
		resp.Error = err.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnknownStream):
		return http.StatusNotFound
	case errors.Is(err, ErrUnknownSymbol), errors.Is(err, venue.ErrMalformed):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
