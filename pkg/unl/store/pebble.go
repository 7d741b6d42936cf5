package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble/v2"
	"go.uber.org/zap"
)

const (
	validatorPrefix = "v/"
	sourcePrefix    = "s/"
)

// Pebble is the embedded durable implementation of Store.
type Pebble struct {
	db     *pebble.DB
	logger *zap.Logger
}

// OpenPebble opens (or creates) the database under dir. An error here is
// fatal for the engine: it will not run with state it cannot persist.
func OpenPebble(dir string, logger *zap.Logger) (*Pebble, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open validator store at %s: %w", dir, err)
	}
	logger.Info("Validator store opened", zap.String("dir", dir))
	return &Pebble{db: db, logger: logger}, nil
}

func (p *Pebble) put(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := p.db.Set([]byte(key), data, pebble.Sync); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (p *Pebble) PutValidator(_ context.Context, row *ValidatorRow) error {
	return p.put(validatorPrefix+row.Identity, row)
}

func (p *Pebble) ListValidators(_ context.Context) ([]*ValidatorRow, error) {
	var out []*ValidatorRow
	err := p.scan(validatorPrefix, func(key string, data []byte) error {
		row := &ValidatorRow{}
		if err := json.Unmarshal(data, row); err != nil {
			// A corrupt record is logged and skipped rather than taking the
			// whole table down with it.
			p.logger.Error("Skipping corrupt validator record",
				zap.String("key", key), zap.Error(err))
			return nil
		}
		out = append(out, row)
		return nil
	})
	return out, err
}

func (p *Pebble) PutSource(_ context.Context, row *SourceRow) error {
	return p.put(sourcePrefix+row.Name, row)
}

func (p *Pebble) DeleteSource(_ context.Context, name string) error {
	if err := p.db.Delete([]byte(sourcePrefix+name), pebble.Sync); err != nil {
		return fmt.Errorf("delete source %s: %w", name, err)
	}
	return nil
}

func (p *Pebble) ListSources(_ context.Context) ([]*SourceRow, error) {
	var out []*SourceRow
	err := p.scan(sourcePrefix, func(key string, data []byte) error {
		row := &SourceRow{}
		if err := json.Unmarshal(data, row); err != nil {
			p.logger.Error("Skipping corrupt source record",
				zap.String("key", key), zap.Error(err))
			return nil
		}
		out = append(out, row)
		return nil
	})
	return out, err
}

func (p *Pebble) scan(prefix string, fn func(key string, data []byte) error) error {
	upper := append([]byte(prefix[:len(prefix)-1]), prefix[len(prefix)-1]+1)
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: upper,
	})
	if err != nil {
		return fmt.Errorf("scan %s: %w", prefix, err)
	}
	defer func() { _ = iter.Close() }()

	for iter.First(); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return fmt.Errorf("scan %s: %w", prefix, err)
		}
		data := make([]byte, len(val))
		copy(data, val)
		if err := fn(string(iter.Key()), data); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (p *Pebble) Close() error {
	return p.db.Close()
}
