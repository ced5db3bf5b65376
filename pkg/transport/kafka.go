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

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/novatechflow/marketlog/pkg/storage"
)

// KafkaConfig selects the brokers and topic naming of a KafkaBus.
type KafkaConfig struct {
	Brokers     []string
	TopicPrefix string
	ClientID    string
	Logger      *slog.Logger
}

// KafkaBus publishes each log partition as a keyed stream on a Kafka topic
// named "<prefix>.<topic>". Subscribers start at the end of the topic; the
// log covers everything before that.
type KafkaBus struct {
	cfg      KafkaConfig
	producer *kgo.Client
	logger   *slog.Logger
}

func NewKafkaBus(cfg KafkaConfig) (*KafkaBus, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "marketlog"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	producer, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return &KafkaBus{cfg: cfg, producer: producer, logger: cfg.Logger.With("component", "kafka-bus")}, nil
}

func (b *KafkaBus) topicName(topic string) string {
	if b.cfg.TopicPrefix == "" {
		return topic
	}
	return b.cfg.TopicPrefix + "." + topic
}

func (b *KafkaBus) Publish(ctx context.Context, topic, partition string, recs []storage.Record) error {
	if len(recs) == 0 {
		return nil
	}
	out := make([]*kgo.Record, 0, len(recs))
	for _, rec := range recs {
		kr, err := encodeKafkaRecord(b.topicName(topic), partition, rec)
		if err != nil {
			return err
		}
		out = append(out, kr)
	}
	if err := b.producer.ProduceSync(ctx, out...).FirstErr(); err != nil {
		return fmt.Errorf("produce %s/%s: %w", topic, partition, err)
	}
	return nil
}

func (b *KafkaBus) Subscribe(ctx context.Context, topic, partition string) (Subscription, error) {
	// every subscription is its own group-less consumer
	client, err := kgo.NewClient(
		kgo.SeedBrokers(b.cfg.Brokers...),
		kgo.ClientID(fmt.Sprintf("%s-%s", b.cfg.ClientID, uuid.NewString()[:8])),
		kgo.ConsumeTopics(b.topicName(topic)),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	return &kafkaSubscription{
		client:    client,
		partition: partition,
		logger:    b.logger.With("topic", b.topicName(topic), "partition", partition),
	}, nil
}

func (b *KafkaBus) Close() error {
	b.producer.Close()
	return nil
}

type kafkaSubscription struct {
	client    *kgo.Client
	partition string
	logger    *slog.Logger
}

// Next polls once. Batches may be empty when only other partitions had data.
func (s *kafkaSubscription) Next(ctx context.Context) ([]storage.Record, error) {
	fetches := s.client.PollFetches(ctx)
	if fetches.IsClientClosed() {
		return nil, io.EOF
	}
	if errs := fetches.Errors(); len(errs) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !allTransientFetchErrors(errs) {
			return nil, fmt.Errorf("fetch errors: %+v", errs)
		}
	}
	var raw []*kgo.Record
	fetches.EachRecord(func(r *kgo.Record) { raw = append(raw, r) })
	recs, skipped := decodeKafkaRecords(s.partition, raw)
	if skipped > 0 {
		s.logger.Warn("skipped undecodable records", "count", skipped)
	}
	return recs, nil
}

func (s *kafkaSubscription) Close() error {
	s.client.Close()
	return nil
}

func encodeKafkaRecord(topic, partition string, rec storage.Record) (*kgo.Record, error) {
	value, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record %d: %w", rec.ID, err)
	}
	return &kgo.Record{Topic: topic, Key: []byte(partition), Value: value}, nil
}

// decodeKafkaRecords keeps the records keyed by partition, in fetch order.
func decodeKafkaRecords(partition string, raw []*kgo.Record) ([]storage.Record, int) {
	var (
		out     []storage.Record
		skipped int
	)
	for _, r := range raw {
		if string(r.Key) != partition {
			continue
		}
		var rec storage.Record
		if err := json.Unmarshal(r.Value, &rec); err != nil {
			skipped++
			continue
		}
		out = append(out, rec)
	}
	return out, skipped
}

func allTransientFetchErrors(errs []kgo.FetchError) bool {
	for _, fetchErr := range errs {
		err := fetchErr.Err
		if err == nil {
			continue
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			continue
		}
		return false
	}
	return true
}
