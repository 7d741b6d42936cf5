// Package store persists the engine's known-validator table and dynamic
// source definitions so both survive process restart. The contract is
// deliberately narrow: load everything at startup, write through one record
// at a time afterwards.
package store

import (
	"context"
	"time"
)

// ValidatorRow is the durable form of a known validator.
type ValidatorRow struct {
	Identity     string    `json:"identity"`
	Origins      []string  `json:"origins"`
	PinnedBy     []string  `json:"pinnedBy,omitempty"`
	Rounds       uint64    `json:"rounds"`
	Signed       uint64    `json:"signed"`
	Participated uint64    `json:"participated"`
	Wasted       uint64    `json:"wasted"`
	Trusted      bool      `json:"trusted"`
	FirstSeen    time.Time `json:"firstSeen"`
	LastSeen     time.Time `json:"lastSeen"`
}

// SourceRow is the durable form of a dynamic source: its descriptor plus the
// membership snapshot from its last successful pull.
type SourceRow struct {
	Name        string    `json:"name"`
	Kind        string    `json:"kind"`
	Descriptor  string    `json:"descriptor"`
	Membership  []string  `json:"membership"`
	Degraded    bool      `json:"degraded"`
	LastSuccess time.Time `json:"lastSuccess,omitempty"`
}

// Store is the persistence boundary used by Logic. All calls happen on the
// single worker goroutine except the initial List* pair, which runs before
// the worker starts.
type Store interface {
	PutValidator(ctx context.Context, row *ValidatorRow) error
	ListValidators(ctx context.Context) ([]*ValidatorRow, error)

	PutSource(ctx context.Context, row *SourceRow) error
	DeleteSource(ctx context.Context, name string) error
	ListSources(ctx context.Context) ([]*SourceRow, error)

	Close() error
}
