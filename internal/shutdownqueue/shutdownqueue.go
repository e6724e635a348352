// Package shutdownqueue implements the shutdown drain loop (spec component
// C4): a single goroutine that walks the SHUTDOWN list, escalating each
// worker from a graceful SIGTERM to a forceful SIGKILL and finally to an
// abandoned EXIT if the worker never reaps, and purges workers once they
// reach EXIT.
package shutdownqueue

import (
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mevdschee/fcgisched/internal/registry"
)

// DefaultTermTimeout is how long a worker gets to exit cleanly after
// SIGTERM (and again after SIGKILL) before the queue escalates it.
const DefaultTermTimeout = 10 * time.Second

// DefaultTick bounds how long the loop can sleep when no worker is
// currently in TERM or KILL state, so a wake-up signal is never starved by
// a sleep that was computed before it arrived.
const DefaultTick = 1 * time.Second

// Killer abstracts process-signalling so tests can substitute a fake.
// The real implementation is backed by syscall.Kill.
type Killer interface {
	Kill(pid int, sig syscall.Signal) error
}

type osKiller struct{}

func (osKiller) Kill(pid int, sig syscall.Signal) error {
	return syscall.Kill(pid, sig)
}

// Queue drains the registry's SHUTDOWN list.
type Queue struct {
	reg         *registry.Registry
	log         *logrus.Entry
	kill        Killer
	termTimeout time.Duration
	tick        time.Duration

	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	emptyMu   sync.Mutex
	emptyReqs []chan struct{}
}

// New creates a Queue bound to reg. Passing a nil Killer uses syscall.Kill.
func New(reg *registry.Registry, log *logrus.Entry, kill Killer, termTimeout time.Duration) *Queue {
	if kill == nil {
		kill = osKiller{}
	}
	if termTimeout <= 0 {
		termTimeout = DefaultTermTimeout
	}
	return &Queue{
		reg:         reg,
		log:         log,
		kill:        kill,
		termTimeout: termTimeout,
		tick:        DefaultTick,
		wake:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start launches the drain loop.
func (q *Queue) Start() {
	go q.loop()
}

// Stop halts the drain loop and waits for it to return.
func (q *Queue) Stop() {
	close(q.stop)
	<-q.done
}

// Wake nudges the loop to re-scan immediately: called whenever a worker is
// newly moved into SHUTDOWN, or when a child-exit notification arrives for
// a worker the queue is tracking.
func (q *Queue) Wake() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// NotifyEmpty registers a one-shot channel that is closed the next time the
// SHUTDOWN list is observed to be empty, used by the main loop's global
// shutdown sequence to know when it is safe to exit the process.
func (q *Queue) NotifyEmpty() <-chan struct{} {
	ch := make(chan struct{})
	q.emptyMu.Lock()
	q.emptyReqs = append(q.emptyReqs, ch)
	q.emptyMu.Unlock()
	q.Wake()
	return ch
}

func (q *Queue) loop() {
	defer close(q.done)
	for {
		next := q.sweep()

		wait := q.tick
		if next > 0 && next < wait {
			wait = next
		}
		timer := time.NewTimer(wait)
		select {
		case <-q.stop:
			timer.Stop()
			return
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// sweep walks every SHUTDOWN worker once, signalling and escalating as
// needed, and returns the shortest duration until the next escalation is
// due (0 if nothing is currently waiting on a timer).
func (q *Queue) sweep() time.Duration {
	workers := q.reg.ListByList(registry.ListShutdown)

	if len(workers) == 0 {
		q.notifyEmpty()
		return 0
	}

	var minWait time.Duration
	now := time.Now()

	for _, w := range workers {
		switch w.State {
		case registry.StateStart, registry.StateInit, registry.StateIdle, registry.StateOpenIdle, registry.StateBusy:
			q.signal(w.PID, syscall.SIGTERM, registry.StateTerm)

		case registry.StateTerm:
			elapsed := now.Sub(w.LastSignal)
			if elapsed >= q.termTimeout {
				q.signal(w.PID, syscall.SIGKILL, registry.StateKill)
			} else if wait := q.termTimeout - elapsed; minWait == 0 || wait < minWait {
				minWait = wait
			}

		case registry.StateKill:
			elapsed := now.Sub(w.LastSignal)
			if elapsed >= q.termTimeout {
				q.log.WithField("pid", w.PID).WithField("project", w.Project).
					Warn("worker did not reap after SIGKILL, abandoning")
				if err := q.reg.SetState(w.PID, registry.StateExit); err != nil {
					q.log.WithError(err).WithField("pid", w.PID).Warn("could not force worker to EXIT")
				}
			} else if wait := q.termTimeout - elapsed; minWait == 0 || wait < minWait {
				minWait = wait
			}

		case registry.StateExit:
			q.reg.Purge(w.PID)
		}
	}

	if len(q.reg.ListByList(registry.ListShutdown)) == 0 {
		q.notifyEmpty()
	}

	return minWait
}

// signal sends sig to pid and transitions it to nextState. If the process
// is already gone (kill returns ESRCH), the worker moves directly to EXIT
// per the "no such process" rule instead of the normal TERM/KILL path.
func (q *Queue) signal(pid int, sig syscall.Signal, nextState registry.State) {
	err := q.kill.Kill(pid, sig)
	if err == syscall.ESRCH {
		if err := q.reg.SetState(pid, registry.StateExit); err != nil {
			q.log.WithError(err).WithField("pid", pid).Warn("could not force missing worker to EXIT")
		}
		return
	}
	if err != nil {
		q.log.WithError(err).WithField("pid", pid).WithField("signal", sig).Warn("signal delivery failed")
	}
	if err := q.reg.SetState(pid, nextState); err != nil {
		q.log.WithError(err).WithField("pid", pid).Warn("could not transition worker after signal")
	}
}

func (q *Queue) notifyEmpty() {
	q.emptyMu.Lock()
	reqs := q.emptyReqs
	q.emptyReqs = nil
	q.emptyMu.Unlock()
	for _, ch := range reqs {
		close(ch)
	}
}
