package shutdownqueue

import (
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/mevdschee/fcgisched/internal/registry"
)

func newTestLogger() *logrus.Entry {
	l, _ := test.NewNullLogger()
	return logrus.NewEntry(l)
}

type fakeKiller struct {
	mu      sync.Mutex
	signals map[int][]syscall.Signal
	missing map[int]bool
}

func newFakeKiller() *fakeKiller {
	return &fakeKiller{signals: make(map[int][]syscall.Signal), missing: make(map[int]bool)}
}

func (f *fakeKiller) Kill(pid int, sig syscall.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing[pid] {
		return syscall.ESRCH
	}
	f.signals[pid] = append(f.signals[pid], sig)
	return nil
}

func (f *fakeKiller) sigsFor(pid int) []syscall.Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]syscall.Signal(nil), f.signals[pid]...)
}

func newProjectAndWorker(t *testing.T, reg *registry.Registry, pid int, state registry.State) {
	t.Helper()
	p, ok := reg.Project("p")
	if !ok {
		p = &registry.Project{Name: "p"}
		reg.AddProject(p)
	}
	require.NoError(t, reg.AddWorker(&registry.Worker{PID: pid, Project: "p", State: state, List: registry.ListShutdown}))
}

func TestSweepSendsSigtermToLiveWorker(t *testing.T) {
	reg := registry.New()
	newProjectAndWorker(t, reg, 1, registry.StateIdle)

	k := newFakeKiller()
	q := New(reg, newTestLogger(), k, 10*time.Second)
	q.sweep()

	require.Equal(t, []syscall.Signal{syscall.SIGTERM}, k.sigsFor(1))
	w, _ := reg.Worker(1)
	require.Equal(t, registry.StateTerm, w.State)
}

func TestSweepEscalatesToSigkillAfterTermTimeout(t *testing.T) {
	reg := registry.New()
	newProjectAndWorker(t, reg, 2, registry.StateTerm)
	// LastSignal cannot be set from outside the registry; instead use a
	// 1ns timeout (New replaces a zero timeout with the default) so any
	// elapsed duration triggers escalation.
	k := newFakeKiller()
	q := New(reg, newTestLogger(), k, 1*time.Nanosecond)
	time.Sleep(time.Millisecond)
	q.sweep()

	require.Equal(t, []syscall.Signal{syscall.SIGKILL}, k.sigsFor(2))
	w, _ := reg.Worker(2)
	require.Equal(t, registry.StateKill, w.State)
}

func TestSweepAbandonsToExitAfterSecondTimeout(t *testing.T) {
	reg := registry.New()
	newProjectAndWorker(t, reg, 3, registry.StateKill)

	k := newFakeKiller()
	q := New(reg, newTestLogger(), k, 1*time.Nanosecond)
	time.Sleep(time.Millisecond)
	q.sweep()

	w, _ := reg.Worker(3)
	require.Equal(t, registry.StateExit, w.State)
}

func TestSweepPurgesExitWorkers(t *testing.T) {
	reg := registry.New()
	newProjectAndWorker(t, reg, 4, registry.StateExit)

	k := newFakeKiller()
	q := New(reg, newTestLogger(), k, 10*time.Second)
	q.sweep()

	_, ok := reg.Worker(4)
	require.False(t, ok)
}

func TestSweepMissingProcessGoesDirectlyToExit(t *testing.T) {
	reg := registry.New()
	newProjectAndWorker(t, reg, 5, registry.StateBusy)

	k := newFakeKiller()
	k.missing[5] = true
	q := New(reg, newTestLogger(), k, 10*time.Second)
	q.sweep()

	w, _ := reg.Worker(5)
	require.Equal(t, registry.StateExit, w.State)
}

func TestNotifyEmptyFiresWhenShutdownListIsEmpty(t *testing.T) {
	reg := registry.New()
	q := New(reg, newTestLogger(), newFakeKiller(), 10*time.Second)

	ch := q.NotifyEmpty()
	q.sweep()

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("empty notification did not fire")
	}
}

func TestStartAndStopLoopRunsCleanly(t *testing.T) {
	reg := registry.New()
	newProjectAndWorker(t, reg, 6, registry.StateIdle)

	q := New(reg, newTestLogger(), newFakeKiller(), 10*time.Millisecond)
	q.Start()
	time.Sleep(50 * time.Millisecond)
	q.Stop()

	w, _ := reg.Worker(6)
	require.Equal(t, registry.StateTerm, w.State)
}
