// Package procspawn implements the fork+exec primitive from spec section
// 4.3 (and the "{argv, env, cwd, fd-substitutions}" spawn record from the
// design notes in section 9): allocate an abstract local-domain
// rendezvous socket, then fork+exec a worker with the socket duped onto
// its well-known fd (0, matching the libfcgi FCGI_LISTENSOCK_FILENO
// convention) and a configured environment/cwd overlay.
//
// Go cannot safely fork a running multi-threaded process, so this spawns
// through os/exec (itself a fork+exec done correctly by the runtime) and
// relies on exec.Cmd's special-case of an *os.File assigned to Stdin to
// duplicate it onto the child's fd 0 without an intervening pipe.
package procspawn

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/mevdschee/fcgisched/pkg/fastcgi"
)

const maxListenRetries = 64

var socketCounter uint64

func nextSocketName() string {
	n := atomic.AddUint64(&socketCounter, 1)
	// The leading NUL (expressed as Go's net package abstract-socket
	// convention of a name starting with '@') puts this in Linux's
	// abstract namespace: no filesystem entry, automatically reclaimed
	// once every socket referencing it closes.
	return fmt.Sprintf("@fcgisched/%d/%d", os.Getpid(), n)
}

// listenAbstract binds a fresh abstract unix listener, retrying on
// address-in-use with a new monotonic name.
func listenAbstract() (*net.UnixListener, string, error) {
	var lastErr error
	for i := 0; i < maxListenRetries; i++ {
		name := nextSocketName()
		l, err := net.ListenUnix("unix", &net.UnixAddr{Name: name, Net: "unix"})
		if err == nil {
			return l, name, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, "", err
		}
		lastErr = err
	}
	return nil, "", fmt.Errorf("procspawn: exhausted %d retries allocating abstract socket: %w", maxListenRetries, lastErr)
}

// Spec is the input to Spawn: argv, environment overlay, working
// directory.
type Spec struct {
	Process string
	Args    []string
	CWD     string
	Env     []fastcgi.Param
}

// Result is a successfully started worker process.
type Result struct {
	Cmd    *exec.Cmd
	PID    int
	Socket string // abstract rendezvous address the worker is listening on
}

// Spawn allocates a rendezvous socket and starts spec.Process with it
// duped onto fd 0. The caller owns reaping the process (cmd.Wait in a
// goroutine) and routing its exit to the registry.
func Spawn(spec Spec) (*Result, error) {
	listener, sockName, err := listenAbstract()
	if err != nil {
		return nil, err
	}

	sockFile, err := listener.File()
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("procspawn: dup listener fd: %w", err)
	}
	// The child gets its own fd table entry from dup2 inside os/exec; the
	// parent's copies are no longer needed once Start returns.
	defer sockFile.Close()
	defer listener.Close()

	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("procspawn: open %s: %w", os.DevNull, err)
	}
	defer devnull.Close()

	cmd := exec.Command(spec.Process, spec.Args...)
	cmd.Dir = spec.CWD
	cmd.Env = buildEnv(spec.Env)
	cmd.Stdin = sockFile
	cmd.Stdout = devnull
	cmd.Stderr = devnull

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("procspawn: start %s: %w", spec.Process, err)
	}

	return &Result{Cmd: cmd, PID: cmd.Process.Pid, Socket: sockName}, nil
}

// baseEnv returns the scheduler's own environment; overridden in tests.
var baseEnv = os.Environ

// buildEnv starts from the scheduler's inherited environment (PATH, HOME,
// locale, and the like) and applies the project's configured overlay on
// top, overwriting same-named keys -- mirroring the original scheduler's
// setenv(key, value, 1) calls onto the existing environ rather than
// replacing it outright.
func buildEnv(overlay []fastcgi.Param) []string {
	base := baseEnv()
	idx := make(map[string]int, len(base))
	env := make([]string, len(base), len(base)+len(overlay))
	copy(env, base)
	for i, kv := range env {
		if eq := strings.IndexByte(kv, '='); eq >= 0 {
			idx[kv[:eq]] = i
		}
	}

	for _, kv := range overlay {
		entry := kv.Name + "=" + kv.Value
		if i, ok := idx[kv.Name]; ok {
			env[i] = entry
			continue
		}
		idx[kv.Name] = len(env)
		env = append(env, entry)
	}
	return env
}

// Dial opens a fresh client-side connection to a worker's rendezvous
// socket, used for the warm-up handshake and for the dispatcher's
// hook-up phase. The worker's listening socket accepts one connection per
// Dial call, so a worker is dialled once for warm-up and once per
// dispatched request.
func Dial(socket string) (*net.UnixConn, error) {
	return net.DialUnix("unix", nil, &net.UnixAddr{Name: socket, Net: "unix"})
}
