package unl

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/trustnet/unlx/pkg/fetch"
)

// Result is the outcome of one successful source pull.
type Result struct {
	Identities []Identity
}

// Source is a provider of validator identities. The variant set is closed:
// inline strings, local file, remote URL. Pull has no side effects on the
// engine; membership bookkeeping lives in Logic.
type Source interface {
	// Name uniquely identifies the source within the engine.
	Name() string
	Kind() Kind
	// Static sources are pulled once and treated as always fresh.
	Static() bool
	// Descriptor is the origin (inline name, file path, URL) used for
	// persistence and the sources query.
	Descriptor() string
	// Pull returns the current identity set. Failures are either transient
	// (fetch.ErrUnavailable) or content errors (ErrMalformed).
	Pull(ctx context.Context) (Result, error)
}

type stringsSource struct {
	name    string
	entries []string
}

// NewStringsSource builds a static source from an inline list of keys.
func NewStringsSource(name string, entries []string) Source {
	return &stringsSource{name: name, entries: entries}
}

func (s *stringsSource) Name() string       { return s.name }
func (s *stringsSource) Kind() Kind         { return KindStrings }
func (s *stringsSource) Static() bool       { return true }
func (s *stringsSource) Descriptor() string { return s.name }

func (s *stringsSource) Pull(context.Context) (Result, error) {
	out := make([]Identity, 0, len(s.entries))
	seen := make(map[Identity]struct{}, len(s.entries))
	for _, e := range s.entries {
		id, err := ParseIdentity(e)
		if err != nil {
			return Result{}, err
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return Result{Identities: out}, nil
}

type fileSource struct {
	path string
}

// NewFileSource builds a static source backed by a local list file.
func NewFileSource(path string) Source {
	return &fileSource{path: path}
}

func (s *fileSource) Name() string       { return "file:" + filepath.Base(s.path) }
func (s *fileSource) Kind() Kind         { return KindFile }
func (s *fileSource) Static() bool       { return true }
func (s *fileSource) Descriptor() string { return s.path }

func (s *fileSource) Pull(context.Context) (Result, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	ids, err := ParseList(data)
	if err != nil {
		return Result{}, err
	}
	return Result{Identities: ids}, nil
}

type urlSource struct {
	url    string
	client *fetch.Client
}

// NewURLSource builds a dynamic source re-fetched on the rotation schedule.
func NewURLSource(url string, client *fetch.Client) Source {
	return &urlSource{url: url, client: client}
}

func (s *urlSource) Name() string       { return s.url }
func (s *urlSource) Kind() Kind         { return KindURL }
func (s *urlSource) Static() bool       { return false }
func (s *urlSource) Descriptor() string { return s.url }

func (s *urlSource) Pull(ctx context.Context) (Result, error) {
	body, err := s.client.Get(ctx, s.url)
	if err != nil {
		return Result{}, err
	}
	ids, err := ParseList(body)
	if err != nil {
		return Result{}, err
	}
	return Result{Identities: ids}, nil
}
