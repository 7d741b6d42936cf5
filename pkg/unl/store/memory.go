package store

import (
	"context"
	"sync"
)

// Memory is a map-backed Store for tests. It copies rows on the way in and
// out so test code cannot alias the stored state.
type Memory struct {
	mu         sync.Mutex
	validators map[string]ValidatorRow
	sources    map[string]SourceRow

	// FailPuts makes every write fail while set, to exercise the
	// retry-on-next-turn path.
	FailPuts bool
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		validators: map[string]ValidatorRow{},
		sources:    map[string]SourceRow{},
	}
}

type memErr string

func (e memErr) Error() string { return string(e) }

// ErrPutFailed is returned by writes while FailPuts is set.
const ErrPutFailed = memErr("store: put failed")

func (m *Memory) PutValidator(_ context.Context, row *ValidatorRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPuts {
		return ErrPutFailed
	}
	cp := *row
	cp.Origins = append([]string(nil), row.Origins...)
	cp.PinnedBy = append([]string(nil), row.PinnedBy...)
	m.validators[row.Identity] = cp
	return nil
}

func (m *Memory) ListValidators(_ context.Context) ([]*ValidatorRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ValidatorRow, 0, len(m.validators))
	for _, row := range m.validators {
		cp := row
		cp.Origins = append([]string(nil), row.Origins...)
		cp.PinnedBy = append([]string(nil), row.PinnedBy...)
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) PutSource(_ context.Context, row *SourceRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPuts {
		return ErrPutFailed
	}
	cp := *row
	cp.Membership = append([]string(nil), row.Membership...)
	m.sources[row.Name] = cp
	return nil
}

func (m *Memory) DeleteSource(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sources, name)
	return nil
}

func (m *Memory) ListSources(_ context.Context) ([]*SourceRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*SourceRow, 0, len(m.sources))
	for _, row := range m.sources {
		cp := row
		cp.Membership = append([]string(nil), row.Membership...)
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
