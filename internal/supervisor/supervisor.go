// Package supervisor implements the worker supervisor (spec component
// C3): spawning workers, driving each through its warm-up request, batch
// start/exchange, and crash-triggered bounded auto-respawn.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mevdschee/fcgisched/internal/procspawn"
	"github.com/mevdschee/fcgisched/internal/registry"
	"github.com/mevdschee/fcgisched/pkg/fastcgi"
)

// MaxCrashes is the consecutive-crash ceiling after which a project's
// auto-respawn is frozen until its config file changes (spec section
// 4.3).
const MaxCrashes = 5

// warmUpRequestID is the synthetic request id used for every warm-up
// handshake; it is never seen by a real client.
const warmUpRequestID uint16 = 1

// ExitNotice reports that a spawned worker's process has exited. Go
// reaps children itself (via exec.Cmd.Wait in a goroutine per worker)
// rather than through a SIGCHLD self-pipe, so this channel plays the role
// the signal pipe plays in the original design for child-exit events.
type ExitNotice struct {
	PID int
	Err error
}

// Supervisor owns spawning and warm-up. It holds no worker state itself
// beyond the exit-notification channel; all durable state lives in the
// registry.
type Supervisor struct {
	reg *registry.Registry
	log *logrus.Entry

	exitCh chan ExitNotice
}

// New creates a Supervisor bound to reg.
func New(reg *registry.Registry, log *logrus.Entry) *Supervisor {
	return &Supervisor{
		reg:    reg,
		log:    log,
		exitCh: make(chan ExitNotice, 64),
	}
}

// Exits returns the channel the main loop should drain and route to
// HandleExit.
func (s *Supervisor) Exits() <-chan ExitNotice {
	return s.exitCh
}

// SpawnOne spawns one worker of project p, registers it (state START,
// list INIT), runs its warm-up, and on success leaves it IDLE in list
// INIT (batch promotion to ACTIVE happens in StartBatch). On warm-up
// failure the worker is moved to SHUTDOWN and the project's crash counter
// is incremented; the caller is not responsible for that bookkeeping.
func (s *Supervisor) SpawnOne(p *registry.Project) error {
	res, err := procspawn.Spawn(procspawn.Spec{
		Process: p.Process,
		Args:    p.ProcessArgs,
		CWD:     p.CWD,
		Env:     p.Env,
	})
	if err != nil {
		return fmt.Errorf("supervisor: spawn %s: %w", p.Name, err)
	}

	w := &registry.Worker{
		PID:       res.PID,
		Project:   p.Name,
		State:     registry.StateStart,
		List:      registry.ListInit,
		Socket:    res.Socket,
		StartedAt: time.Now(),
	}
	if err := s.reg.AddWorker(w); err != nil {
		res.Cmd.Process.Kill()
		return err
	}

	go s.monitor(res.PID, res.Cmd)

	if err := s.reg.SetState(res.PID, registry.StateInit); err != nil {
		return err
	}

	if err := s.warmUp(p, res.PID, res.Socket); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"project": p.Name, "pid": res.PID}).
			Warn("worker failed warm-up")
		s.reg.SetList(res.PID, registry.ListShutdown)
		p.IncCrash()
		return err
	}

	return s.reg.SetState(res.PID, registry.StateIdle)
}

func (s *Supervisor) monitor(pid int, cmd *exec.Cmd) {
	err := cmd.Wait()
	s.exitCh <- ExitNotice{PID: pid, Err: err}
}

// warmUp drives the synthetic readiness-probe request described in spec
// section 4.3: BEGIN_REQUEST, one PARAMS record of init params, an empty
// PARAMS, two empty STDIN records, then read and discard until EOF,
// bounded by the project's read timeout.
func (s *Supervisor) warmUp(p *registry.Project, pid int, socket string) error {
	conn, err := procspawn.Dial(socket)
	if err != nil {
		return fmt.Errorf("supervisor: dial worker %d: %w", pid, err)
	}
	defer conn.Close()

	timeout := p.ReadTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	fc := fastcgi.NewConn(conn, timeout, timeout)

	if err := fc.SendBeginRequest(warmUpRequestID, fastcgi.RoleResponder, false); err != nil {
		return err
	}
	if err := fc.SendParams(warmUpRequestID, p.InitParams); err != nil {
		return err
	}
	if err := fc.SendParams(warmUpRequestID, nil); err != nil {
		return err
	}
	if err := fc.SendStdin(warmUpRequestID, nil); err != nil {
		return err
	}
	if err := fc.SendStdin(warmUpRequestID, nil); err != nil {
		return err
	}

	for {
		_, err := fc.ReadRecord()
		if err != nil {
			if errors.Is(err, fastcgi.ErrConnClosed) {
				return nil
			}
			return err
		}
	}
}

// StartBatch spawns n workers of p concurrently, awaits every warm-up,
// then atomically promotes every IDLE worker of p from INIT to ACTIVE.
// If exchange is true, the project's current ACTIVE list is moved to
// SHUTDOWN first and its crash counter is reset, matching
// start_new_process_wait's exchange mode (spec section 4.3).
func (s *Supervisor) StartBatch(ctx context.Context, n int, p *registry.Project, exchange bool) error {
	if exchange {
		s.reg.BulkMoveList(p.Name, registry.ListActive, registry.ListShutdown)
		p.ResetCrash()
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			select {
			case <-ctx.Done():
				errs[i] = ctx.Err()
				return
			default:
			}
			errs[i] = s.SpawnOne(p)
		}(i)
	}
	wg.Wait()

	s.reg.BulkMoveList(p.Name, registry.ListInit, registry.ListActive, registry.StateIdle)

	var firstErr error
	for _, err := range errs {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// StartBatchDetached runs StartBatch in the background and returns
// immediately, used by the dispatcher's best-effort scale-up (spec
// section 4.6 phase c) so an admission decision never blocks on spawning.
func (s *Supervisor) StartBatchDetached(n int, p *registry.Project, exchange bool) {
	go func() {
		if err := s.StartBatch(context.Background(), n, p, exchange); err != nil {
			s.log.WithError(err).WithField("project", p.Name).Warn("detached batch start reported an error")
		}
	}()
}

// HandleExit reacts to a worker's process having exited: the pid is
// always routed to SHUTDOWN for cleanup; if it was ACTIVE and the
// scheduler is not in the middle of a global shutdown, the crash counter
// is incremented and a replacement is spawned unless MaxCrashes has been
// reached, in which case the project is frozen (logged, no further
// autorespawn) until its config file changes and resets the counter.
func (s *Supervisor) HandleExit(notice ExitNotice, globalShutdown bool) {
	w, ok := s.reg.Worker(notice.PID)
	if !ok {
		return
	}

	wasActive := w.List == registry.ListActive
	s.reg.SetList(notice.PID, registry.ListShutdown)

	if !wasActive || globalShutdown {
		return
	}

	p, ok := s.reg.Project(w.Project)
	if !ok || p.Disabled {
		return
	}

	count := p.IncCrash()
	if count < MaxCrashes {
		go func() {
			if err := s.SpawnOne(p); err != nil {
				s.log.WithError(err).WithField("project", p.Name).Warn("replacement spawn failed")
			}
		}()
		return
	}

	s.log.WithField("project", p.Name).
		WithField("crashes", count).
		Warn("project frozen: crash limit reached, no further autorespawn until config change")
}
