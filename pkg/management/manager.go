// Package management implements the operator-facing batch operations on the domain
// allowlist. It is used by the CLI and the admin API, never by the decision path.
package management

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/polisai/assetgate/pkg/domain"
	"github.com/polisai/assetgate/pkg/origin"
	"github.com/polisai/assetgate/pkg/storage"
)

// EntryStatus is the per-entry result of a batch operation.
type EntryStatus string

const (
	StatusAdded   EntryStatus = "added"
	StatusExists  EntryStatus = "exists"
	StatusRemoved EntryStatus = "removed"
	StatusAbsent  EntryStatus = "absent"
	StatusInvalid EntryStatus = "invalid"
	StatusFailed  EntryStatus = "failed"
)

// Succeeded reports whether the entry reached its intended state.
func (s EntryStatus) Succeeded() bool {
	switch s {
	case StatusAdded, StatusExists, StatusRemoved, StatusAbsent:
		return true
	}
	return false
}

// EntryResult describes what happened to one input of a batch.
type EntryResult struct {
	Input  string      `json:"input"`
	Domain string      `json:"domain,omitempty"`
	Status EntryStatus `json:"status"`
	Error  string      `json:"error,omitempty"`
}

// BatchResult reports every entry of a batch in input order.
type BatchResult struct {
	Entries []EntryResult `json:"entries"`
	// Changed counts entries that were actually added or removed.
	Changed   int `json:"changed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Err summarises the failed entries, or returns nil when every entry succeeded.
func (r BatchResult) Err() error {
	if r.Failed == 0 {
		return nil
	}
	var errs []error
	for _, e := range r.Entries {
		if !e.Status.Succeeded() {
			errs = append(errs, fmt.Errorf("%s: %s", e.Input, e.Error))
		}
	}
	return fmt.Errorf("%d of %d entries failed: %w", r.Failed, len(r.Entries), errors.Join(errs...))
}

func (r *BatchResult) record(e EntryResult) {
	r.Entries = append(r.Entries, e)
	switch {
	case e.Status == StatusAdded || e.Status == StatusRemoved:
		r.Changed++
		r.Succeeded++
	case e.Status.Succeeded():
		r.Succeeded++
	default:
		r.Failed++
	}
}

// EntryObserver receives the status of every processed entry, typically for metrics.
type EntryObserver interface {
	ObserveEntry(op string, status EntryStatus)
}

// Manager runs batch add, remove and list operations against a DomainStore.
type Manager struct {
	store    storage.DomainStore
	logger   *slog.Logger
	observer EntryObserver
}

// NewManager creates a manager. observer may be nil.
func NewManager(store storage.DomainStore, logger *slog.Logger, observer EntryObserver) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, logger: logger, observer: observer}
}

// AddAll normalizes and inserts every name. Invalid names and store failures are
// reported per entry and do not stop the batch. Mutations are not retried.
func (m *Manager) AddAll(ctx context.Context, names []string) BatchResult {
	return m.apply(ctx, "add", names, func(ctx context.Context, name string) (EntryStatus, error) {
		added, err := m.store.Add(ctx, name)
		if err != nil {
			return StatusFailed, err
		}
		if added {
			return StatusAdded, nil
		}
		return StatusExists, nil
	})
}

// RemoveAll normalizes and deletes every name. Removing an absent name succeeds.
func (m *Manager) RemoveAll(ctx context.Context, names []string) BatchResult {
	return m.apply(ctx, "remove", names, func(ctx context.Context, name string) (EntryStatus, error) {
		n, err := m.store.Remove(ctx, name)
		if err != nil {
			return StatusFailed, err
		}
		if n > 0 {
			return StatusRemoved, nil
		}
		return StatusAbsent, nil
	})
}

// ListAll returns the canonical names in the allowlist, sorted.
func (m *Manager) ListAll(ctx context.Context) ([]string, error) {
	entries, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *Manager) apply(ctx context.Context, op string, names []string, fn func(context.Context, string) (EntryStatus, error)) BatchResult {
	result := BatchResult{Entries: make([]EntryResult, 0, len(names))}

	for _, raw := range names {
		entry := EntryResult{Input: raw}

		name, err := canonical(raw)
		if err != nil {
			entry.Status = StatusInvalid
			entry.Error = err.Error()
		} else {
			entry.Domain = name
			status, err := fn(ctx, name)
			entry.Status = status
			if err != nil {
				entry.Error = err.Error()
				m.logger.Error("Allowlist update failed", "op", op, "domain", name, "error", err)
			}
		}

		if m.observer != nil {
			m.observer.ObserveEntry(op, entry.Status)
		}
		result.record(entry)
	}

	m.logger.Info("Allowlist batch applied", "op", op,
		"entries", len(names), "changed", result.Changed, "failed", result.Failed)
	return result
}

// canonical normalizes raw for storage and rejects bare public suffixes.
func canonical(raw string) (string, error) {
	name, err := origin.Normalize(raw)
	if err != nil {
		return "", err
	}
	if origin.IsPublicSuffix(name) {
		return "", fmt.Errorf("%w: %q is a public suffix", domain.ErrInputInvalid, name)
	}
	return name, nil
}
