// Package dispatch implements the per-connection dispatcher (spec
// component C6): identifying a FastCGI request, matching it to a
// configured project, admitting it onto an idle worker under bounded
// wait, hooking the two sockets together with the KEEP_CONN rewrite
// applied, splicing bytes until either side closes, and releasing the
// worker back to IDLE.
package dispatch

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mevdschee/fcgisched/internal/procspawn"
	"github.com/mevdschee/fcgisched/internal/registry"
	"github.com/mevdschee/fcgisched/internal/supervisor"
	"github.com/mevdschee/fcgisched/pkg/fastcgi"
)

// MaxWaitAttempts is how many times admission retries acquiring an idle
// worker before giving up (spec section 4.6 phase c).
const MaxWaitAttempts = 5

// AdmissionRetryInterval is the sleep between acquire attempts.
const AdmissionRetryInterval = 1 * time.Second

// SpliceBufferSize bounds the per-direction copy buffer.
const SpliceBufferSize = 4096

// Dispatcher matches, admits and splices one client connection.
type Dispatcher struct {
	reg *registry.Registry
	sup *supervisor.Supervisor
	log *logrus.Entry
}

// New creates a Dispatcher bound to reg and sup.
func New(reg *registry.Registry, sup *supervisor.Supervisor, log *logrus.Entry) *Dispatcher {
	return &Dispatcher{reg: reg, sup: sup, log: log}
}

// Serve runs every phase for one accepted client connection and closes it
// before returning. Intended to be called as `go d.Serve(conn)` per accept.
func (d *Dispatcher) Serve(client net.Conn) {
	defer client.Close()

	replay, sess, err := d.identify(client)
	if err != nil {
		d.log.WithError(err).Debug("dispatcher: identification failed")
		d.answerProtocolError(client, sess)
		return
	}

	project := d.matchProject(sess)
	if project == nil {
		d.log.Debug("dispatcher: no project matched, answering OVERLOADED")
		d.answerOverloaded(client, sess)
		return
	}

	pid, ok := d.admit(project)
	if !ok {
		d.log.WithField("project", project.Name).Debug("dispatcher: admission failed, answering OVERLOADED")
		d.answerOverloaded(client, sess)
		return
	}

	worker, ok := d.reg.Worker(pid)
	if !ok {
		d.answerOverloaded(client, sess)
		return
	}

	workerConn, err := d.hookUp(worker.Socket, replay)
	if err != nil {
		d.log.WithError(err).WithField("pid", pid).Warn("dispatcher: hook-up failed, routing worker to shutdown")
		d.reg.SetList(pid, registry.ListShutdown)
		d.answerOverloaded(client, sess)
		return
	}
	defer workerConn.Close()

	start := time.Now()
	if err := d.splice(client, workerConn, replay); err != nil && !isBenign(err) {
		d.log.WithError(err).WithField("pid", pid).Warn("dispatcher: splice failed, routing worker to shutdown")
		d.reg.SetList(pid, registry.ListShutdown)
		return
	}

	d.release(pid, time.Since(start))
}

// identify implements phase (a): read and parse FastCGI records into a
// retained replay buffer while feeding the session parser, until the
// session reaches PARAMS_DONE or END.
func (d *Dispatcher) identify(client net.Conn) ([]byte, *fastcgi.Session, error) {
	sess := fastcgi.NewSession()
	var replay []byte
	buf := make([]byte, 4096)

	for sess.State() == fastcgi.SessionInit || sess.State() == fastcgi.SessionRunning {
		n, err := client.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			replay = append(replay, chunk...)
			if ferr := sess.Feed(chunk); ferr != nil {
				return replay, sess, ferr
			}
		}
		if err != nil {
			if err == io.EOF {
				return replay, sess, nil
			}
			return replay, sess, err
		}
	}

	if sess.State() == fastcgi.SessionError {
		return replay, sess, sess.Err()
	}
	return replay, sess, nil
}

// matchProject implements phase (b): first configured project whose
// match-key parameter is present and matches its regex wins. Disabled
// projects (config errors) never match, per spec section 7.
func (d *Dispatcher) matchProject(sess *fastcgi.Session) *registry.Project {
	for _, p := range d.reg.Projects() {
		if p.Disabled || p.MatchRegex == nil {
			continue
		}
		val, ok := sess.Lookup(p.MatchKey)
		if !ok {
			continue
		}
		if p.MatchRegex.MatchString(val) {
			return p
		}
	}
	return nil
}

// admit implements phase (c): best-effort detached scale-up followed by
// bounded-retry acquisition of an idle worker.
func (d *Dispatcher) admit(p *registry.Project) (int, bool) {
	idle := d.reg.CountByProjectStates(p.Name, registry.StateIdle, registry.StateInit, registry.StateStart)
	if need := p.MinProc - idle; need > 0 {
		d.sup.StartBatchDetached(need, p, false)
	}

	for attempt := 0; attempt < MaxWaitAttempts; attempt++ {
		if pid, ok := d.reg.AcquireIdle(p.Name); ok {
			return pid, true
		}
		if attempt < MaxWaitAttempts-1 {
			time.Sleep(AdmissionRetryInterval)
		}
	}
	return 0, false
}

// hookUp implements phase (d): dial the worker's rendezvous socket and
// coalesce+rewrite the replay buffer's BEGIN_REQUEST KEEP_CONN bit before
// any of it is forwarded.
func (d *Dispatcher) hookUp(socket string, replay []byte) (net.Conn, error) {
	conn, err := procspawn.Dial(socket)
	if err != nil {
		return nil, err
	}
	fastcgi.ClearKeepConn(replay)
	return conn, nil
}

// splice implements phase (e): push the replay buffer to the worker first,
// then pump bytes in both directions until either side closes.
func (d *Dispatcher) splice(client, worker net.Conn, replay []byte) error {
	if len(replay) > 0 {
		if _, err := worker.Write(replay); err != nil {
			return err
		}
	}

	errc := make(chan error, 2)
	go func() { errc <- pump(worker, client, SpliceBufferSize) }()
	go func() { errc <- pump(client, worker, SpliceBufferSize) }()

	err := <-errc
	client.Close()
	worker.Close()
	<-errc
	return err
}

func pump(dst io.Writer, src io.Reader, bufSize int) error {
	buf := make([]byte, bufSize)
	_, err := io.CopyBuffer(dst, src, buf)
	return err
}

func isBenign(err error) bool {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// release implements phase (f): return the worker to IDLE and record
// connection wall time.
func (d *Dispatcher) release(pid int, elapsed time.Duration) {
	if err := d.reg.Release(pid); err != nil {
		d.log.WithError(err).WithField("pid", pid).Warn("dispatcher: failed to release worker to IDLE")
	}
	d.log.WithField("pid", pid).WithField("elapsed", elapsed).Debug("dispatcher: connection served")
}

// answerOverloaded sends END_REQUEST{appStatus=0, protocolStatus=OVERLOADED}
// for the request id seen during identification (or the null request id if
// none was parsed yet) and lets the caller close the connection.
func (d *Dispatcher) answerOverloaded(client net.Conn, sess *fastcgi.Session) {
	reqID := sess.RequestID()
	body := fastcgi.EndRequestBody{AppStatus: 0, ProtocolStatus: fastcgi.StatusOverloaded}
	rec := fastcgi.NewRecord(fastcgi.TypeEndRequest, reqID, body.Encode())
	client.Write(rec.Encode())
}

// answerProtocolError sends END_REQUEST{appStatus=0, protocolStatus=UNKNOWN_ROLE}
// for a session that failed identification (spec section 7, protocol
// errors), rather than closing the socket with no response at all.
func (d *Dispatcher) answerProtocolError(client net.Conn, sess *fastcgi.Session) {
	var reqID uint16
	if sess != nil {
		reqID = sess.RequestID()
	}
	body := fastcgi.EndRequestBody{AppStatus: 0, ProtocolStatus: fastcgi.StatusUnknownRole}
	rec := fastcgi.NewRecord(fastcgi.TypeEndRequest, reqID, body.Encode())
	client.Write(rec.Encode())
}
