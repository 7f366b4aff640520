package storage

import (
	"context"
	"time"

	"github.com/polisai/assetgate/pkg/domain"
)

// Observer receives the outcome and latency of every store operation.
type Observer interface {
	ObserveStoreOp(op string, err error, elapsed time.Duration)
}

// Instrument decorates store so that each call is reported to obs.
func Instrument(store DomainStore, obs Observer) DomainStore {
	if obs == nil {
		return store
	}
	return &instrumentedStore{next: store, obs: obs}
}

type instrumentedStore struct {
	next DomainStore
	obs  Observer
}

func (s *instrumentedStore) Add(ctx context.Context, name string) (bool, error) {
	start := time.Now()
	added, err := s.next.Add(ctx, name)
	s.obs.ObserveStoreOp("add", err, time.Since(start))
	return added, err
}

func (s *instrumentedStore) Remove(ctx context.Context, name string) (int, error) {
	start := time.Now()
	n, err := s.next.Remove(ctx, name)
	s.obs.ObserveStoreOp("remove", err, time.Since(start))
	return n, err
}

func (s *instrumentedStore) Exists(ctx context.Context, name string) (bool, error) {
	start := time.Now()
	ok, err := s.next.Exists(ctx, name)
	s.obs.ObserveStoreOp("exists", err, time.Since(start))
	return ok, err
}

func (s *instrumentedStore) List(ctx context.Context) ([]domain.DomainEntry, error) {
	start := time.Now()
	entries, err := s.next.List(ctx)
	s.obs.ObserveStoreOp("list", err, time.Since(start))
	return entries, err
}

func (s *instrumentedStore) Close() error {
	return s.next.Close()
}
