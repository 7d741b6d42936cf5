package unl

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformed marks unparseable source content. A source returning it is
// flagged degraded but never blocks the rest of the rotation.
var ErrMalformed = errors.New("malformed source content")

// Identity is the stable identifier of a validator: a hex-encoded 32-byte
// public key, normalized to lower case.
type Identity string

// ParseIdentity validates and normalizes a validator public key.
func ParseIdentity(s string) (Identity, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	raw, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("%w: invalid key %q: %v", ErrMalformed, s, err)
	}
	if len(raw) != 32 {
		return "", fmt.Errorf("%w: key %q is %d bytes, want 32", ErrMalformed, s, len(raw))
	}
	return Identity(s), nil
}

// Score accumulates a validator's observed consensus behavior. Counters only
// grow during normal operation; Halve bounds long-run drift (see Decay on Logic).
type Score struct {
	// Rounds is the number of ledger closes observed while the record was trusted.
	Rounds uint64 `json:"rounds"`
	// Signed counts validations received from this validator.
	Signed uint64 `json:"signed"`
	// Participated counts validations that landed in a closed ledger.
	Participated uint64 `json:"participated"`
	// Wasted counts validations that never made it into a closed ledger.
	Wasted uint64 `json:"wasted"`
}

// Percent is the fraction of observed rounds this validator participated in.
func (s Score) Percent() float64 {
	if s.Rounds == 0 {
		return 0
	}
	return float64(s.Participated) / float64(s.Rounds)
}

// Halve applies one decay step to every counter.
func (s *Score) Halve() {
	s.Rounds /= 2
	s.Signed /= 2
	s.Participated /= 2
	s.Wasted /= 2
}

// Record is a known validator. Owned exclusively by Logic; never hard-deleted,
// only untrusted when it drops off every source.
type Record struct {
	Identity  Identity
	Origins   map[string]struct{}
	Score     Score
	Trusted   bool
	// PinnedBy names the static sources that pin this record. Pins only hold
	// while the pinning source is configured.
	PinnedBy  map[string]struct{}
	FirstSeen time.Time
	LastSeen  time.Time
}

// Pinned reports whether any currently configured static source pins the
// record.
func (r *Record) Pinned() bool { return len(r.PinnedBy) > 0 }

func (r *Record) pin(name string) {
	if r.PinnedBy == nil {
		r.PinnedBy = map[string]struct{}{}
	}
	r.PinnedBy[name] = struct{}{}
}

func (r *Record) pinList() []string {
	out := make([]string, 0, len(r.PinnedBy))
	for name := range r.PinnedBy {
		out = append(out, name)
	}
	return out
}

func (r *Record) originList() []string {
	out := make([]string, 0, len(r.Origins))
	for name := range r.Origins {
		out = append(out, name)
	}
	return out
}

// Kind identifies a source variant. The set is closed.
type Kind string

const (
	KindStrings Kind = "strings"
	KindFile    Kind = "file"
	KindURL     Kind = "url"
)

// SourceStatus is the query-surface snapshot of one configured source.
type SourceStatus struct {
	Name        string    `json:"name"`
	Kind        Kind      `json:"kind"`
	Descriptor  string    `json:"descriptor"`
	Static      bool      `json:"static"`
	Degraded    bool      `json:"degraded"`
	Members     int       `json:"members"`
	LastOutcome string    `json:"lastOutcome"`
	LastAttempt time.Time `json:"lastAttempt,omitempty"`
	LastSuccess time.Time `json:"lastSuccess,omitempty"`
}

// ValidatorStatus is the query-surface snapshot of one known validator.
type ValidatorStatus struct {
	Identity     Identity `json:"identity"`
	Trusted      bool     `json:"trusted"`
	Pinned       bool     `json:"pinned"`
	Origins      []string `json:"origins"`
	Score        Score    `json:"score"`
	Participation float64 `json:"participation"`
}

// ReceivedValidation is a signed-validation observation handed in by the
// consensus/network layer.
type ReceivedValidation struct {
	Validator  Identity `json:"validator"`
	LedgerHash string   `json:"ledgerHash"`
}

// Observation is emitted by Logic for every scoring outcome; an optional
// observer (the analytics sink) consumes them off the worker path.
type Observation struct {
	At        time.Time
	Round     uint64
	Ledger    string
	Validator Identity
	Kind      string // "signed", "participated", "wasted"
}
