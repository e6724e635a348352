package supervisor

import (
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/mevdschee/fcgisched/internal/registry"
	"github.com/mevdschee/fcgisched/pkg/fastcgi"
)

func newTestLogger() *logrus.Entry {
	l, _ := test.NewNullLogger()
	return logrus.NewEntry(l)
}

var testSocketCounter uint64

func testSocketName() string {
	n := atomic.AddUint64(&testSocketCounter, 1)
	return fmt.Sprintf("@fcgisched-test/%d/%d", os.Getpid(), n)
}

// startFakeWorker binds an abstract listener and, once connected to,
// either behaves like a successfully warmed-up FastCGI worker (respond
// true) or closes the connection immediately without replying.
func startFakeWorker(t *testing.T, respond bool) string {
	t.Helper()
	name := testSocketName()
	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: name, Net: "unix"})
	require.NoError(t, err)

	go func() {
		conn, err := l.Accept()
		l.Close()
		if err != nil {
			return
		}
		defer conn.Close()

		if !respond {
			return
		}

		buf := make([]byte, 4096)
		_, _ = conn.Read(buf)

		rec := fastcgi.NewRecord(fastcgi.TypeStdout, 1, []byte("OK"))
		conn.Write(rec.Encode())
		endBody := fastcgi.EndRequestBody{AppStatus: 0, ProtocolStatus: fastcgi.StatusRequestComplete}
		endRec := fastcgi.NewRecord(fastcgi.TypeEndRequest, 1, endBody.Encode())
		conn.Write(endRec.Encode())
	}()

	return name
}

func TestWarmUpSuccess(t *testing.T) {
	sock := startFakeWorker(t, true)
	p := &registry.Project{Name: "p", ReadTimeout: 2 * time.Second}

	s := New(registry.New(), newTestLogger())
	err := s.warmUp(p, 1, sock)
	require.NoError(t, err)
}

func TestWarmUpWorkerClosingWithoutReplyIsNotAnError(t *testing.T) {
	sock := startFakeWorker(t, false)
	p := &registry.Project{Name: "p", ReadTimeout: 100 * time.Millisecond}

	s := New(registry.New(), newTestLogger())
	err := s.warmUp(p, 1, sock)
	require.NoError(t, err) // worker closing cleanly with no reply is just EOF, not an error
}

func TestHandleExitRoutesToShutdownAndRespawnsOnCrash(t *testing.T) {
	reg := registry.New()
	p := &registry.Project{Name: "p", MinProc: 1, MaxProc: 2}
	reg.AddProject(p)
	require.NoError(t, reg.AddWorker(&registry.Worker{PID: 42, Project: "p", State: registry.StateIdle, List: registry.ListActive}))

	s := New(reg, newTestLogger())
	s.HandleExit(ExitNotice{PID: 42}, false)

	w, _ := reg.Worker(42)
	require.Equal(t, registry.ListShutdown, w.List)
	require.Equal(t, 1, p.CrashCount())
}

func TestHandleExitDuringGlobalShutdownDoesNotRespawn(t *testing.T) {
	reg := registry.New()
	p := &registry.Project{Name: "p"}
	reg.AddProject(p)
	require.NoError(t, reg.AddWorker(&registry.Worker{PID: 1, Project: "p", State: registry.StateBusy, List: registry.ListActive}))

	s := New(reg, newTestLogger())
	s.HandleExit(ExitNotice{PID: 1}, true)

	require.Equal(t, 0, p.CrashCount())
}

func TestHandleExitFreezesAfterMaxCrashes(t *testing.T) {
	reg := registry.New()
	p := &registry.Project{Name: "p"}
	reg.AddProject(p)
	for i := 0; i < MaxCrashes-1; i++ {
		p.IncCrash()
	}
	require.NoError(t, reg.AddWorker(&registry.Worker{PID: 7, Project: "p", State: registry.StateBusy, List: registry.ListActive}))

	s := New(reg, newTestLogger())
	s.HandleExit(ExitNotice{PID: 7}, false)

	require.Equal(t, MaxCrashes, p.CrashCount())
}

func TestHandleExitOnInitListedWorkerDoesNotRespawn(t *testing.T) {
	reg := registry.New()
	p := &registry.Project{Name: "p"}
	reg.AddProject(p)
	require.NoError(t, reg.AddWorker(&registry.Worker{PID: 3, Project: "p", State: registry.StateStart, List: registry.ListInit}))

	s := New(reg, newTestLogger())
	s.HandleExit(ExitNotice{PID: 3}, false)

	require.Equal(t, 0, p.CrashCount())
	w, _ := reg.Worker(3)
	require.Equal(t, registry.ListShutdown, w.List)
}
