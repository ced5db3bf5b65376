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
	"errors"
	"fmt"
	"time"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/novatechflow/marketlog/pkg/config"
)

const defaultLeaseTTLSeconds = 30
const defaultKeyPrefix = "marketlog"

// ErrLeaseHeld is returned when another owner holds the lease.
var ErrLeaseHeld = errors.New("lease already held")

// Lease grants single-writer ownership of a named pipeline.
type Lease struct {
	Name      string
	OwnerID   string
	ExpiresAt int64
	LeaseID   int64
}

// Leaser hands out Leases. Only the etcd store implements it.
type Leaser interface {
	ClaimLease(ctx context.Context, name, ownerID string) (Lease, error)
	RenewLease(ctx context.Context, lease Lease) error
	ReleaseLease(ctx context.Context, lease Lease) error
	LeaseTTL() time.Duration
}

// EtcdStore keeps checkpoints and pipeline leases in etcd.
type EtcdStore struct {
	client          *clientv3.Client
	prefix          string
	leaseTTLSeconds int
}

func NewEtcdStore(cfg config.Config) (*EtcdStore, error) {
	if len(cfg.Etcd.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd.endpoints is required for etcd offsets")
	}

	ttlSeconds := cfg.Offsets.LeaseTTLSeconds
	if ttlSeconds <= 0 {
		ttlSeconds = defaultLeaseTTLSeconds
	}
	keyPrefix := cfg.Offsets.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Etcd.Endpoints,
		Username:    cfg.Etcd.Username,
		Password:    cfg.Etcd.Password,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	return &EtcdStore{client: client, prefix: keyPrefix, leaseTTLSeconds: ttlSeconds}, nil
}

func (s *EtcdStore) Load(ctx context.Context, key string) (*State, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	resp, err := s.client.Get(ctx, s.checkpointKey(key))
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, nil
	}
	var state State
	if err := json.Unmarshal(resp.Kvs[0].Value, &state); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", key, err)
	}
	return &state, nil
}

func (s *EtcdStore) Save(ctx context.Context, key string, state State) error {
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
	_, err = s.client.Put(ctx, s.checkpointKey(key), string(data))
	return err
}

func (s *EtcdStore) Close() error {
	return s.client.Close()
}

func (s *EtcdStore) LeaseTTL() time.Duration {
	return time.Duration(s.leaseTTLSeconds) * time.Second
}

func (s *EtcdStore) ClaimLease(ctx context.Context, name, ownerID string) (Lease, error) {
	lease, err := s.client.Grant(ctx, int64(s.leaseTTLSeconds))
	if err != nil {
		return Lease{}, err
	}

	payload := leaseState{
		OwnerID:        ownerID,
		LeaseExpiresAt: time.Now().Add(s.LeaseTTL()).UnixMilli(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Lease{}, err
	}

	key := s.leaseKey(name)
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Version(key), "=", 0)).
		Then(clientv3.OpPut(key, string(data), clientv3.WithLease(lease.ID))).
		Commit()
	if err != nil {
		_, _ = s.client.Revoke(ctx, lease.ID)
		return Lease{}, err
	}
	if !resp.Succeeded {
		_, _ = s.client.Revoke(ctx, lease.ID)
		return Lease{}, ErrLeaseHeld
	}

	return Lease{
		Name:      name,
		OwnerID:   ownerID,
		ExpiresAt: payload.LeaseExpiresAt,
		LeaseID:   int64(lease.ID),
	}, nil
}

func (s *EtcdStore) RenewLease(ctx context.Context, lease Lease) error {
	if lease.LeaseID == 0 {
		return nil
	}
	_, err := s.client.KeepAliveOnce(ctx, clientv3.LeaseID(lease.LeaseID))
	return err
}

// ReleaseLease drops the lease key only while it is still bound to lease,
// so a holder that lost its lease cannot evict the next owner.
func (s *EtcdStore) ReleaseLease(ctx context.Context, lease Lease) error {
	if lease.LeaseID == 0 {
		return nil
	}
	key := s.leaseKey(lease.Name)
	id := clientv3.LeaseID(lease.LeaseID)
	_, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.LeaseValue(key), "=", id)).
		Then(clientv3.OpDelete(key)).
		Commit()
	if _, revokeErr := s.client.Revoke(ctx, id); revokeErr != nil && err == nil && !errors.Is(revokeErr, rpctypes.ErrLeaseNotFound) {
		err = revokeErr
	}
	return err
}

func (s *EtcdStore) leaseKey(name string) string {
	return fmt.Sprintf("%s/leases/%s", s.prefix, name)
}

func (s *EtcdStore) checkpointKey(key string) string {
	return fmt.Sprintf("%s/checkpoints/%s", s.prefix, key)
}

type leaseState struct {
	OwnerID        string `json:"owner_id"`
	LeaseExpiresAt int64  `json:"lease_expires_at"`
}
