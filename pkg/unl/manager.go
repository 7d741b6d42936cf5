package unl

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/trustnet/unlx/pkg/fetch"
)

// The closed set of operations the worker understands. Producers build one
// of these and enqueue it; nothing outside the worker touches Logic.
type task interface{ isTask() }

type addSourceTask struct{ src Source }
type removeSourceTask struct{ name string }
type receiveValidationTask struct{ rv ReceivedValidation }
type ledgerClosedTask struct{ hash string }
type rebuildTask struct{}
type checkTask struct{}
type decayTask struct{}

func (addSourceTask) isTask()         {}
func (removeSourceTask) isTask()      {}
func (receiveValidationTask) isTask() {}
func (ledgerClosedTask) isTask()      {}
func (rebuildTask) isTask()           {}
func (checkTask) isTask()             {}
func (decayTask) isTask()             {}

// Manager binds Logic to a single worker goroutine that drains a FIFO task
// queue, plus the check timer. The timer raises checkSignal, which the worker
// folds into its checking flag at the top of every turn; on idle turns while
// the flag is set the worker pulls one source, and the timer is only re-armed
// after a pass completes uninterrupted. The signal lives outside the bounded
// queue so a full queue can never swallow it.
type Manager struct {
	logger  *zap.Logger
	logic   *Logic
	fetcher *fetch.Client

	interval time.Duration
	tasks    chan task

	// checking is worker-owned after Start; checkSignal is the producer side.
	checking    bool
	checkSignal atomic.Bool
	timer       *time.Timer

	started atomic.Bool
	stopped atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

// NewManager wires a manager around loaded Logic. interval is the periodic
// source-check cadence.
func NewManager(logic *Logic, fetcher *fetch.Client, interval time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		logger:   logger,
		logic:    logic,
		fetcher:  fetcher,
		interval: interval,
		tasks:    make(chan task, 1024),
		// The first pass runs immediately at startup.
		checking: true,
		done:     make(chan struct{}),
	}
}

// Logic exposes the read surface for the query controllers.
func (m *Manager) Logic() *Logic { return m.logic }

// Start launches the worker. The timer stays disarmed until the first pass
// completes.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.timer = time.AfterFunc(m.interval, m.signalCheck)
	m.timer.Stop()
	m.started.Store(true)
	go m.run(ctx)
	m.logger.Info("Validator manager started", zap.Duration("checkInterval", m.interval))
}

// signalCheck raises the check signal and nudges the worker. The flag is the
// durable part; the checkTask is only a wake-up, so dropping it on a full
// queue is harmless (a full queue means the worker is awake already).
func (m *Manager) signalCheck() {
	m.checkSignal.Store(true)
	m.enqueue(checkTask{})
}

// Stop signals the worker to exit after its current turn and waits for it.
// Pending queued tasks are discarded. Safe to call without a prior Start.
func (m *Manager) Stop() {
	m.once.Do(func() {
		m.stopped.Store(true)
		if m.timer != nil {
			m.timer.Stop()
		}
		if m.cancel != nil {
			m.cancel()
		}
		if m.started.Load() {
			<-m.done
		}
		m.logger.Info("Validator manager stopped")
	})
}

func (m *Manager) enqueue(t task) {
	if m.stopped.Load() {
		return
	}
	select {
	case m.tasks <- t:
	default:
		m.logger.Warn("Task queue full, dropping task")
	}
}

//
// Producer surface. All of these only enqueue and return immediately.
//

// AddStrings registers a static inline source. Inline validators are pinned.
func (m *Manager) AddStrings(name string, entries []string) {
	m.enqueue(addSourceTask{src: NewStringsSource(name, entries)})
}

// AddFile registers a static file-backed source.
func (m *Manager) AddFile(path string) {
	m.enqueue(addSourceTask{src: NewFileSource(path)})
}

// AddURL enrolls a remote list endpoint into the fetch rotation.
func (m *Manager) AddURL(url string) {
	m.enqueue(addSourceTask{src: NewURLSource(url, m.fetcher)})
}

// AddSource enrolls an arbitrary source.
func (m *Manager) AddSource(src Source) {
	m.enqueue(addSourceTask{src: src})
}

// RemoveSource drops the named source.
func (m *Manager) RemoveSource(name string) {
	m.enqueue(removeSourceTask{name: name})
}

// ReceiveValidation hands in a signed-validation observation.
func (m *Manager) ReceiveValidation(rv ReceivedValidation) {
	m.enqueue(receiveValidationTask{rv: rv})
}

// LedgerClosed notifies the engine that a ledger closed.
func (m *Manager) LedgerClosed(hash string) {
	m.enqueue(ledgerClosedTask{hash: hash})
}

// Rebuild schedules a chosen-set rebuild, independent of the check cycle.
func (m *Manager) Rebuild() {
	m.enqueue(rebuildTask{})
}

// DecayScores schedules one decay step; driven by the cron schedule.
func (m *Manager) DecayScores() {
	m.enqueue(decayTask{})
}

//
// Worker
//

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	for {
		if m.checkSignal.CompareAndSwap(true, false) {
			m.checking = true
		}

		// Queued work always goes first so fetching can never starve it.
		select {
		case <-ctx.Done():
			return
		case t := <-m.tasks:
			m.handle(ctx, t)
			continue
		default:
		}

		if m.checking {
			m.checkOnce(ctx)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case t := <-m.tasks:
			m.handle(ctx, t)
		}
	}
}

// checkOnce performs one fetch turn. When the pass completes the flag clears
// and the timer re-arms; until then the flag survives any number of
// interleaved queue turns.
func (m *Manager) checkOnce(ctx context.Context) {
	if remaining := m.logic.FetchOne(ctx); remaining == 0 {
		m.checking = false
		m.timer.Reset(m.interval)
		m.logger.Debug("Finished checking sources",
			zap.Duration("nextCheck", m.interval))
	}
}

func (m *Manager) handle(ctx context.Context, t task) {
	m.logic.RetryDirty(ctx)

	switch t := t.(type) {
	case addSourceTask:
		if t.src.Static() {
			m.addStatic(ctx, t.src)
		} else {
			m.logic.AddSource(ctx, t.src)
		}
	case removeSourceTask:
		m.logic.RemoveSource(ctx, t.name)
	case receiveValidationTask:
		m.logic.ReceiveValidation(ctx, t.rv)
	case ledgerClosedTask:
		m.logic.LedgerClosed(ctx, t.hash)
	case rebuildTask:
		m.logic.BuildChosen(ctx)
	case decayTask:
		m.logic.Decay(ctx)
	case checkTask:
		// Wake-up only; the signal itself is folded at the top of the loop.
		m.logger.Debug("Check timer signaled")
	}
}

// addStatic pulls a static source once and reconciles it. Inline sources pin
// their validators; file sources do not.
func (m *Manager) addStatic(ctx context.Context, src Source) {
	res, err := src.Pull(ctx)
	if err != nil {
		m.logger.Error("Static source pull failed",
			zap.String("source", src.Name()), zap.Error(err))
		return
	}
	pin := src.Kind() == KindStrings
	if err := m.logic.AddStatic(ctx, src, pin, res.Identities); err != nil {
		m.logger.Error("Static source rejected",
			zap.String("source", src.Name()), zap.Error(err))
	}
}
