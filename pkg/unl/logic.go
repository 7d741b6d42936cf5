package unl

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"github.com/trustnet/unlx/pkg/events"
	"github.com/trustnet/unlx/pkg/fetch"
	"github.com/trustnet/unlx/pkg/unl/store"
)

// DefaultPendingWindow is how many ledger closes a validation may stay
// pending before it counts as wasted.
const DefaultPendingWindow = 8

type sourceEntry struct {
	src        Source
	membership []Identity
	degraded   bool
	visited    bool
	dirty      bool

	lastAttempt time.Time
	lastSuccess time.Time
	lastOutcome string
}

// LogicConfig carries the knobs Logic needs beyond its collaborators.
type LogicConfig struct {
	// TargetSize bounds the chosen set.
	TargetSize int
	// PendingWindow overrides DefaultPendingWindow when > 0.
	PendingWindow int
	// Seed produces the sampling seed for each rebuild. Tests pin it;
	// production leaves it nil for a fresh seed per rebuild.
	Seed func() int64
	// Hub receives engine events. Optional.
	Hub *events.Hub
	// Observer receives one Observation per scoring outcome. Optional.
	Observer func(Observation)
}

// Logic owns the source collection, the known-validator table, scoring state
// and the chosen-set builder. Every mutating method runs on the Manager's
// single worker goroutine; the exported read methods touch only published
// snapshots and are safe from any goroutine.
type Logic struct {
	logger   *zap.Logger
	store    store.Store
	hub      *events.Hub
	observer func(Observation)

	target int
	window int
	seedFn func() int64

	sources    []*sourceEntry
	validators map[Identity]*Record
	dirty      map[Identity]struct{}

	round        uint64
	pending      map[string]map[Identity]struct{}
	pendingRound map[string]uint64

	chosenSeq uint64
	chosen    atomic.Pointer[Chosen]
	roundPub  atomic.Uint64

	sourceStatus    *xsync.Map[string, SourceStatus]
	validatorStatus *xsync.Map[string, ValidatorStatus]
}

// NewLogic builds an empty Logic; call Load before the worker starts.
func NewLogic(st store.Store, logger *zap.Logger, cfg LogicConfig) *Logic {
	if cfg.PendingWindow <= 0 {
		cfg.PendingWindow = DefaultPendingWindow
	}
	if cfg.Seed == nil {
		cfg.Seed = func() int64 { return time.Now().UnixNano() }
	}
	return &Logic{
		logger:          logger,
		store:           st,
		hub:             cfg.Hub,
		observer:        cfg.Observer,
		target:          cfg.TargetSize,
		window:          cfg.PendingWindow,
		seedFn:          cfg.Seed,
		validators:      map[Identity]*Record{},
		dirty:           map[Identity]struct{}{},
		pending:         map[string]map[Identity]struct{}{},
		pendingRound:    map[string]uint64{},
		sourceStatus:    xsync.NewMap[string, SourceStatus](),
		validatorStatus: xsync.NewMap[string, ValidatorStatus](),
	}
}

// TargetSize returns the configured chosen-set bound.
func (l *Logic) TargetSize() int { return l.target }

func (l *Logic) publish(evtType string, payload map[string]any) {
	if l.hub != nil {
		l.hub.Publish(evtType, payload)
	}
}

func (l *Logic) observe(kind string, id Identity, ledger string) {
	if l.observer != nil {
		l.observer(Observation{
			At:        time.Now().UTC(),
			Round:     l.round,
			Ledger:    ledger,
			Validator: id,
			Kind:      kind,
		})
	}
}

//
// Startup
//

// Load populates the in-memory tables from the store. It runs before the
// worker starts, so it is the one code path allowed to touch state outside
// a queue turn. Restored dynamic sources re-enter the fetch rotation with
// their persisted membership intact.
func (l *Logic) Load(ctx context.Context, fetcher *fetch.Client) error {
	rows, err := l.store.ListValidators(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		rec := recordFromRow(row)
		l.validators[rec.Identity] = rec
		l.publishValidator(rec)
	}

	srcRows, err := l.store.ListSources(ctx)
	if err != nil {
		return err
	}
	sort.Slice(srcRows, func(i, j int) bool { return srcRows[i].Name < srcRows[j].Name })
	for _, row := range srcRows {
		if Kind(row.Kind) != KindURL {
			l.logger.Warn("Dropping persisted source of unexpected kind",
				zap.String("name", row.Name), zap.String("kind", row.Kind))
			continue
		}
		entry := &sourceEntry{
			src:         NewURLSource(row.Descriptor, fetcher),
			membership:  identities(row.Membership),
			degraded:    row.Degraded,
			lastSuccess: row.LastSuccess,
			lastOutcome: "restored",
		}
		l.sources = append(l.sources, entry)
		l.publishSource(entry)
	}

	l.logger.Info("Validator state loaded",
		zap.Int("validators", len(l.validators)),
		zap.Int("dynamicSources", len(l.sources)))

	// Give consensus something to read before the first pass finishes.
	l.BuildChosen(ctx)
	return nil
}

// StaticSource pairs a static source with its pinning policy: inline
// configuration pins its validators, file lists do not.
type StaticSource struct {
	Source Source
	Pin    bool
}

// LoadStatics pulls the configured static sources concurrently (the pulls
// are pure) and reconciles the results one at a time. Runs at startup,
// before the worker; a malformed static list is a configuration error.
func (l *Logic) LoadStatics(ctx context.Context, statics []StaticSource) error {
	if len(statics) == 0 {
		return nil
	}

	pool := pond.NewPool(4)
	group := pool.NewGroupContext(ctx)
	results := make([]Result, len(statics))
	errs := make([]error, len(statics))
	for i, s := range statics {
		i, src := i, s.Source
		group.Submit(func() {
			results[i], errs[i] = src.Pull(ctx)
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		l.logger.Warn("Parallel static source pull encountered error", zap.Error(err))
	}
	pool.StopAndWait()

	for i := range statics {
		if errs[i] != nil {
			return errs[i]
		}
		if err := l.AddStatic(ctx, statics[i].Source, statics[i].Pin, results[i].Identities); err != nil {
			return err
		}
	}
	return nil
}

//
// Source management
//

func (l *Logic) findSource(name string) *sourceEntry {
	for _, e := range l.sources {
		if e.src.Name() == name {
			return e
		}
	}
	return nil
}

// AddSource enrolls a dynamic source into the fetch rotation. A duplicate
// name is a benign no-op so restart replay cannot fail.
func (l *Logic) AddSource(ctx context.Context, src Source) bool {
	if l.findSource(src.Name()) != nil {
		l.logger.Debug("Source already present", zap.String("source", src.Name()))
		return false
	}
	entry := &sourceEntry{src: src, lastOutcome: "pending"}
	l.sources = append(l.sources, entry)
	l.persistSource(ctx, entry)
	l.publishSource(entry)
	l.logger.Info("Source added",
		zap.String("source", src.Name()), zap.String("kind", string(src.Kind())))
	l.publish("source.added", map[string]any{"source": src.Name(), "kind": src.Kind()})
	return true
}

// AddStatic registers a static source with an already-pulled identity set.
// Static sources are always fresh: they are reconciled once and never enter
// the rotation.
func (l *Logic) AddStatic(ctx context.Context, src Source, pin bool, ids []Identity) error {
	if l.findSource(src.Name()) != nil {
		l.logger.Debug("Static source already present", zap.String("source", src.Name()))
		return nil
	}
	entry := &sourceEntry{src: src, lastOutcome: "ok"}
	entry.lastAttempt = time.Now().UTC()
	entry.lastSuccess = entry.lastAttempt
	l.sources = append(l.sources, entry)
	l.applyMembership(ctx, entry, ids, pin)
	l.publishSource(entry)
	l.logger.Info("Static source added",
		zap.String("source", src.Name()), zap.Int("members", len(ids)))
	return nil
}

// RemoveSource drops a source and its origin references. Validators left
// with no origins are untrusted; their score history stays.
func (l *Logic) RemoveSource(ctx context.Context, name string) bool {
	entry := l.findSource(name)
	if entry == nil {
		return false
	}
	for i, e := range l.sources {
		if e == entry {
			l.sources = append(l.sources[:i], l.sources[i+1:]...)
			break
		}
	}
	for _, rec := range l.validators {
		if _, ok := rec.Origins[name]; !ok {
			continue
		}
		delete(rec.Origins, name)
		// A pin only holds while the pinning source is configured.
		delete(rec.PinnedBy, name)
		if len(rec.Origins) == 0 && !rec.Pinned() && rec.Trusted {
			l.untrust(rec)
		}
		l.persistValidator(ctx, rec)
		l.publishValidator(rec)
	}
	if !entry.src.Static() {
		if err := l.store.DeleteSource(ctx, name); err != nil {
			l.logger.Error("Failed to delete source record",
				zap.String("source", name), zap.Error(err))
		}
	}
	l.sourceStatus.Delete(name)
	l.logger.Info("Source removed", zap.String("source", name))
	l.publish("source.removed", map[string]any{"source": name})
	return true
}

//
// Fetch rotation
//

// FetchOne advances the round-robin cursor over dynamic sources and pulls
// exactly one. It returns the number of sources still unvisited in the
// current pass; zero means the pass completed, which triggers the trust
// re-evaluation and an automatic chosen-set rebuild.
func (l *Logic) FetchOne(ctx context.Context) int {
	var dynamic []*sourceEntry
	for _, e := range l.sources {
		if !e.src.Static() {
			dynamic = append(dynamic, e)
		}
	}
	if len(dynamic) == 0 {
		l.completePass(ctx)
		return 0
	}

	var next *sourceEntry
	remaining := 0
	for _, e := range dynamic {
		if !e.visited {
			if next == nil {
				next = e
			}
			remaining++
		}
	}
	// All visited means the previous pass completed; start a new one.
	if next == nil {
		for _, e := range dynamic {
			e.visited = false
		}
		next = dynamic[0]
		remaining = len(dynamic)
	}

	next.visited = true
	remaining--
	next.lastAttempt = time.Now().UTC()

	res, err := next.src.Pull(ctx)
	switch {
	case err == nil:
		next.degraded = false
		next.lastSuccess = next.lastAttempt
		next.lastOutcome = "ok"
		l.applyMembership(ctx, next, res.Identities, false)
	case errors.Is(err, ErrMalformed):
		// Bad content degrades the source but the rotation moves on.
		next.degraded = true
		next.lastOutcome = "malformed: " + err.Error()
		l.persistSource(ctx, next)
		l.logger.Error("Source returned malformed content",
			zap.String("source", next.src.Name()), zap.Error(err))
		l.publish("source.degraded", map[string]any{"source": next.src.Name()})
	default:
		// Transient: prior snapshot untouched, retried next pass.
		next.lastOutcome = "unavailable: " + err.Error()
		l.logger.Warn("Source unavailable",
			zap.String("source", next.src.Name()), zap.Error(err))
	}
	l.publishSource(next)

	if remaining == 0 {
		for _, e := range dynamic {
			e.visited = false
		}
		l.completePass(ctx)
	}
	return remaining
}

// completePass runs once per full rotation: re-evaluate trust against the
// union of current memberships, then rebuild the chosen set.
func (l *Logic) completePass(ctx context.Context) {
	union := map[Identity]struct{}{}
	for _, e := range l.sources {
		for _, id := range e.membership {
			union[id] = struct{}{}
		}
	}
	for _, rec := range l.validators {
		if !rec.Trusted || rec.Pinned() {
			continue
		}
		if _, ok := union[rec.Identity]; !ok {
			l.untrust(rec)
			l.persistValidator(ctx, rec)
			l.publishValidator(rec)
		}
	}
	l.BuildChosen(ctx)
	l.logger.Debug("Source pass completed", zap.Int("sources", len(l.sources)))
}

// applyMembership reconciles a successful pull against the source's previous
// snapshot and replaces it.
func (l *Logic) applyMembership(ctx context.Context, entry *sourceEntry, ids []Identity, pin bool) {
	name := entry.src.Name()
	delta := DiffMembership(entry.membership, ids)
	now := time.Now().UTC()

	for _, id := range delta.Added {
		rec, ok := l.validators[id]
		if !ok {
			rec = &Record{
				Identity:  id,
				Origins:   map[string]struct{}{},
				Trusted:   true,
				FirstSeen: now,
			}
			l.validators[id] = rec
			l.publish("validator.trusted", map[string]any{"validator": id, "source": name})
		} else if !rec.Trusted {
			rec.Trusted = true
			l.publish("validator.trusted", map[string]any{"validator": id, "source": name})
		}
		rec.Origins[name] = struct{}{}
		if pin {
			rec.pin(name)
		}
		rec.LastSeen = now
		l.persistValidator(ctx, rec)
		l.publishValidator(rec)
	}

	for _, id := range delta.Removed {
		rec, ok := l.validators[id]
		if !ok {
			continue
		}
		delete(rec.Origins, name)
		delete(rec.PinnedBy, name)
		if len(rec.Origins) == 0 && !rec.Pinned() && rec.Trusted {
			l.untrust(rec)
		}
		l.persistValidator(ctx, rec)
		l.publishValidator(rec)
	}

	entry.membership = ids
	l.persistSource(ctx, entry)

	l.publish("source.fetched", map[string]any{
		"source":  name,
		"members": len(ids),
		"added":   len(delta.Added),
		"removed": len(delta.Removed),
	})
}

func (l *Logic) untrust(rec *Record) {
	rec.Trusted = false
	l.logger.Info("Validator untrusted", zap.String("validator", string(rec.Identity)))
	l.publish("validator.untrusted", map[string]any{"validator": rec.Identity})
}

//
// Scoring
//

// ReceiveValidation records a signed-validation observation. Observations
// for validators no source has ever listed are dropped: records are created
// by sources, not by traffic.
func (l *Logic) ReceiveValidation(ctx context.Context, rv ReceivedValidation) {
	id, err := ParseIdentity(string(rv.Validator))
	if err != nil {
		l.logger.Debug("Ignoring validation with bad identity", zap.Error(err))
		return
	}
	rec, ok := l.validators[id]
	if !ok {
		l.logger.Debug("Ignoring validation from unknown validator",
			zap.String("validator", string(id)))
		return
	}

	rec.Score.Signed++
	rec.LastSeen = time.Now().UTC()

	set, ok := l.pending[rv.LedgerHash]
	if !ok {
		set = map[Identity]struct{}{}
		l.pending[rv.LedgerHash] = set
		l.pendingRound[rv.LedgerHash] = l.round
	}
	set[id] = struct{}{}

	l.observe("signed", id, rv.LedgerHash)
	l.persistValidator(ctx, rec)
	l.publishValidator(rec)
}

// LedgerClosed advances the round counter, credits validations that landed
// in the closed ledger and expires pending validations that outlived the
// window as wasted.
func (l *Logic) LedgerClosed(ctx context.Context, hash string) {
	l.round++
	l.roundPub.Store(l.round)

	touched := map[Identity]*Record{}

	if set, ok := l.pending[hash]; ok {
		for id := range set {
			if rec, exists := l.validators[id]; exists {
				rec.Score.Participated++
				touched[id] = rec
				l.observe("participated", id, hash)
			}
		}
		delete(l.pending, hash)
		delete(l.pendingRound, hash)
	}

	for pendingHash, seenRound := range l.pendingRound {
		if l.round < seenRound+uint64(l.window) {
			continue
		}
		for id := range l.pending[pendingHash] {
			if rec, exists := l.validators[id]; exists {
				rec.Score.Wasted++
				touched[id] = rec
				l.observe("wasted", id, pendingHash)
			}
		}
		delete(l.pending, pendingHash)
		delete(l.pendingRound, pendingHash)
	}

	// Trusted validators are expected to show up every round.
	for _, rec := range l.validators {
		if rec.Trusted {
			rec.Score.Rounds++
			touched[rec.Identity] = rec
		}
	}

	for _, rec := range touched {
		l.persistValidator(ctx, rec)
		l.publishValidator(rec)
	}
}

// Decay halves every score counter. Scheduled via cron so long-running
// processes keep recent behavior dominant over ancient history.
func (l *Logic) Decay(ctx context.Context) {
	for _, rec := range l.validators {
		rec.Score.Halve()
		l.persistValidator(ctx, rec)
		l.publishValidator(rec)
	}
	l.logger.Info("Validator scores decayed", zap.Int("validators", len(l.validators)))
	l.publish("scores.decayed", map[string]any{"validators": len(l.validators)})
}

//
// Chosen set
//

// BuildChosen rebuilds the snapshot and swaps it in atomically. The previous
// snapshot stays valid for readers already holding it.
func (l *Logic) BuildChosen(ctx context.Context) *Chosen {
	var candidates []*Record
	for _, rec := range l.validators {
		if rec.Trusted {
			candidates = append(candidates, rec)
		}
	}
	l.chosenSeq++
	c := buildChosen(candidates, l.target, l.seedFn(), l.chosenSeq)
	l.chosen.Store(c)
	l.logger.Info("Chosen set rebuilt",
		zap.Uint64("seq", c.Seq),
		zap.Int("size", c.Size()),
		zap.Int("trusted", len(candidates)))
	l.publish("chosen.rebuilt", map[string]any{"seq": c.Seq, "size": c.Size()})
	return c
}

//
// Persistence write-through with retry-on-next-turn
//

func (l *Logic) persistValidator(ctx context.Context, rec *Record) {
	if err := l.store.PutValidator(ctx, rowFromRecord(rec)); err != nil {
		l.logger.Error("Failed to persist validator, will retry",
			zap.String("validator", string(rec.Identity)), zap.Error(err))
		l.dirty[rec.Identity] = struct{}{}
		return
	}
	delete(l.dirty, rec.Identity)
}

func (l *Logic) persistSource(ctx context.Context, entry *sourceEntry) {
	if entry.src.Static() {
		return
	}
	row := &store.SourceRow{
		Name:        entry.src.Name(),
		Kind:        string(entry.src.Kind()),
		Descriptor:  entry.src.Descriptor(),
		Membership:  strs(entry.membership),
		Degraded:    entry.degraded,
		LastSuccess: entry.lastSuccess,
	}
	if err := l.store.PutSource(ctx, row); err != nil {
		l.logger.Error("Failed to persist source, will retry",
			zap.String("source", row.Name), zap.Error(err))
		entry.dirty = true
		return
	}
	entry.dirty = false
}

// RetryDirty re-attempts writes that failed on a previous turn. Called by
// the worker at the top of every queue turn; cheap when nothing is pending.
func (l *Logic) RetryDirty(ctx context.Context) {
	for id := range l.dirty {
		if rec, ok := l.validators[id]; ok {
			l.persistValidator(ctx, rec)
		} else {
			delete(l.dirty, id)
		}
	}
	for _, entry := range l.sources {
		if entry.dirty {
			l.persistSource(ctx, entry)
		}
	}
}

//
// Published read surface
//

// Chosen returns the current snapshot without blocking the worker.
func (l *Logic) Chosen() *Chosen {
	return l.chosen.Load()
}

// Round returns the last published round counter.
func (l *Logic) Round() uint64 {
	return l.roundPub.Load()
}

// SourceStatuses lists per-source state, sorted by name.
func (l *Logic) SourceStatuses() []SourceStatus {
	var out []SourceStatus
	l.sourceStatus.Range(func(_ string, st SourceStatus) bool {
		out = append(out, st)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ValidatorStatuses lists per-validator state, sorted by identity.
func (l *Logic) ValidatorStatuses() []ValidatorStatus {
	var out []ValidatorStatus
	l.validatorStatus.Range(func(_ string, st ValidatorStatus) bool {
		out = append(out, st)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

func (l *Logic) publishSource(entry *sourceEntry) {
	l.sourceStatus.Store(entry.src.Name(), SourceStatus{
		Name:        entry.src.Name(),
		Kind:        entry.src.Kind(),
		Descriptor:  entry.src.Descriptor(),
		Static:      entry.src.Static(),
		Degraded:    entry.degraded,
		Members:     len(entry.membership),
		LastOutcome: entry.lastOutcome,
		LastAttempt: entry.lastAttempt,
		LastSuccess: entry.lastSuccess,
	})
}

func (l *Logic) publishValidator(rec *Record) {
	origins := rec.originList()
	sort.Strings(origins)
	l.validatorStatus.Store(string(rec.Identity), ValidatorStatus{
		Identity:      rec.Identity,
		Trusted:       rec.Trusted,
		Pinned:        rec.Pinned(),
		Origins:       origins,
		Score:         rec.Score,
		Participation: rec.Score.Percent(),
	})
}

//
// Row conversions
//

func recordFromRow(row *store.ValidatorRow) *Record {
	origins := make(map[string]struct{}, len(row.Origins))
	for _, o := range row.Origins {
		origins[o] = struct{}{}
	}
	var pinnedBy map[string]struct{}
	if len(row.PinnedBy) > 0 {
		pinnedBy = make(map[string]struct{}, len(row.PinnedBy))
		for _, p := range row.PinnedBy {
			pinnedBy[p] = struct{}{}
		}
	}
	return &Record{
		Identity: Identity(row.Identity),
		Origins:  origins,
		PinnedBy: pinnedBy,
		Score: Score{
			Rounds:       row.Rounds,
			Signed:       row.Signed,
			Participated: row.Participated,
			Wasted:       row.Wasted,
		},
		Trusted:   row.Trusted,
		FirstSeen: row.FirstSeen,
		LastSeen:  row.LastSeen,
	}
}

func rowFromRecord(rec *Record) *store.ValidatorRow {
	origins := rec.originList()
	sort.Strings(origins)
	pinnedBy := rec.pinList()
	sort.Strings(pinnedBy)
	return &store.ValidatorRow{
		Identity:     string(rec.Identity),
		Origins:      origins,
		PinnedBy:     pinnedBy,
		Rounds:       rec.Score.Rounds,
		Signed:       rec.Score.Signed,
		Participated: rec.Score.Participated,
		Wasted:       rec.Score.Wasted,
		Trusted:      rec.Trusted,
		FirstSeen:    rec.FirstSeen,
		LastSeen:     rec.LastSeen,
	}
}

func identities(in []string) []Identity {
	out := make([]Identity, 0, len(in))
	for _, s := range in {
		out = append(out, Identity(s))
	}
	return out
}

func strs(in []Identity) []string {
	out := make([]string, 0, len(in))
	for _, id := range in {
		out = append(out, string(id))
	}
	return out
}
