package unl

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/trustnet/unlx/pkg/fetch"
)

func newTestManager(t *testing.T, interval time.Duration) *Manager {
	t.Helper()
	l, _ := newTestLogic(t, LogicConfig{})
	m := NewManager(l, fetch.New(fetch.Opts{}), interval, zaptest.NewLogger(t))
	t.Cleanup(m.Stop)
	return m
}

func TestManagerRunsPassesOnInterval(t *testing.T) {
	m := newTestManager(t, 50*time.Millisecond)

	src := &fakeSource{name: "remote"}
	src.serve(tid(1))
	m.AddSource(src)
	m.Start(context.Background())

	// The startup pass plus at least one timer-driven pass.
	require.Eventually(t, func() bool { return src.pullCount() >= 2 },
		2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		c := m.Logic().Chosen()
		return c != nil && c.Contains(tid(1))
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManagerAppliesConcurrentProducers(t *testing.T) {
	m := newTestManager(t, time.Hour)

	a := tid(0xa)
	m.AddStrings("local", []string{string(a)})
	m.Start(context.Background())

	require.Eventually(t, func() bool {
		return len(m.Logic().ValidatorStatuses()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.ReceiveValidation(ReceivedValidation{Validator: a, LedgerHash: fmt.Sprintf("L%d", i)})
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		sts := m.Logic().ValidatorStatuses()
		return len(sts) == 1 && sts[0].Score.Signed == n
	}, 2*time.Second, 10*time.Millisecond, "every enqueued validation is applied exactly once")

	// Closing every ledger resolves every pending validation: the early ones
	// as participated, the ones past the pending window as wasted.
	for i := 0; i < n; i++ {
		m.LedgerClosed(fmt.Sprintf("L%d", i))
	}
	require.Eventually(t, func() bool {
		sts := m.Logic().ValidatorStatuses()
		return len(sts) == 1 &&
			sts[0].Score.Participated+sts[0].Score.Wasted == n &&
			sts[0].Score.Rounds == n
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManagerStaticSourcesPinnedByKind(t *testing.T) {
	m := newTestManager(t, time.Hour)
	m.Start(context.Background())

	a := tid(0xa)
	m.AddStrings("local", []string{string(a)})

	require.Eventually(t, func() bool {
		for _, st := range m.Logic().ValidatorStatuses() {
			if st.Identity == a {
				return st.Trusted && st.Pinned
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "inline validators come up pinned")
}

func TestManagerRebuild(t *testing.T) {
	m := newTestManager(t, time.Hour)
	m.Start(context.Background())

	m.AddStrings("local", []string{string(tid(1))})
	require.Eventually(t, func() bool {
		return len(m.Logic().ValidatorStatuses()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	before := m.Logic().Chosen()
	m.Rebuild()
	require.Eventually(t, func() bool {
		c := m.Logic().Chosen()
		return c != nil && (before == nil || c.Seq > before.Seq)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManagerRemoveSource(t *testing.T) {
	m := newTestManager(t, time.Hour)

	src := &fakeSource{name: "remote"}
	src.serve(tid(1))
	m.AddSource(src)
	m.Start(context.Background())

	require.Eventually(t, func() bool {
		return len(m.Logic().SourceStatuses()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	m.RemoveSource("remote")
	require.Eventually(t, func() bool {
		return len(m.Logic().SourceStatuses()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManagerStopIsIdempotent(t *testing.T) {
	l, _ := newTestLogic(t, LogicConfig{})
	m := NewManager(l, fetch.New(fetch.Opts{}), time.Hour, zaptest.NewLogger(t))
	m.Start(context.Background())

	m.Stop()
	m.Stop()

	// Producers after Stop are dropped rather than deadlocking.
	m.LedgerClosed("late")
	assert.Equal(t, uint64(0), m.Logic().Round())
}

func TestManagerCheckSignalSurvivesFullQueue(t *testing.T) {
	l, _ := newTestLogic(t, LogicConfig{})
	m := NewManager(l, fetch.New(fetch.Opts{}), time.Hour, zaptest.NewLogger(t))
	t.Cleanup(m.Stop)

	src := &fakeSource{name: "remote"}
	src.serve(tid(1))
	require.True(t, l.AddSource(context.Background(), src))
	m.checking = false

	// Saturate the queue so the timer's wake-up task gets dropped.
	for i := 0; i < cap(m.tasks); i++ {
		m.tasks <- ledgerClosedTask{hash: fmt.Sprintf("L%d", i)}
	}
	m.signalCheck()
	require.True(t, m.checkSignal.Load(), "the signal outlives the dropped wake-up")

	m.Start(context.Background())
	require.Eventually(t, func() bool { return src.pullCount() >= 1 },
		2*time.Second, 10*time.Millisecond, "the worker still starts a check after draining the backlog")
}

func TestManagerStopWithoutStart(t *testing.T) {
	l, _ := newTestLogic(t, LogicConfig{})
	m := NewManager(l, fetch.New(fetch.Opts{}), time.Hour, zaptest.NewLogger(t))

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked without a running worker")
	}
}

func TestManagerDecay(t *testing.T) {
	m := newTestManager(t, time.Hour)
	m.Start(context.Background())

	a := tid(0xa)
	m.AddStrings("local", []string{string(a)})
	m.ReceiveValidation(ReceivedValidation{Validator: a, LedgerHash: "L1"})
	m.ReceiveValidation(ReceivedValidation{Validator: a, LedgerHash: "L2"})

	require.Eventually(t, func() bool {
		sts := m.Logic().ValidatorStatuses()
		return len(sts) == 1 && sts[0].Score.Signed == 2
	}, 2*time.Second, 10*time.Millisecond)

	m.DecayScores()
	require.Eventually(t, func() bool {
		sts := m.Logic().ValidatorStatuses()
		return len(sts) == 1 && sts[0].Score.Signed == 1
	}, 2*time.Second, 10*time.Millisecond)
}
