// Command fcgisched is a FastCGI reverse-proxy / process scheduler: it
// matches incoming FastCGI requests to a pool of externally-supplied
// worker binaries by a configured parameter regex, spawns and warms up
// workers on demand, and drains retiring workers through a timed
// TERM->KILL shutdown queue.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/mevdschee/fcgisched/internal/daemon"
	"github.com/mevdschee/fcgisched/internal/dispatch"
	"github.com/mevdschee/fcgisched/internal/iniconfig"
	"github.com/mevdschee/fcgisched/internal/logging"
	"github.com/mevdschee/fcgisched/internal/pidfile"
	"github.com/mevdschee/fcgisched/internal/privdrop"
	"github.com/mevdschee/fcgisched/internal/projectmgr"
	"github.com/mevdschee/fcgisched/internal/registry"
	"github.com/mevdschee/fcgisched/internal/shutdownqueue"
	"github.com/mevdschee/fcgisched/internal/stats"
	"github.com/mevdschee/fcgisched/internal/supervisor"
	"github.com/mevdschee/fcgisched/internal/watcher"
)

// version is stamped by the release build; "dev" is used for local builds.
var version = "dev"

// minFileDescriptorBudget computes the soft-limit floor the scheduler
// needs: two fds per worker's listening+dispatch sockets across a
// generous 20-worker-per-project estimate, plus the sum of every
// project's max_proc ceiling, plus headroom for the listen socket, pidfile,
// log file and signal machinery.
func minFileDescriptorBudget(projectCount, maxProcSum int) uint64 {
	return uint64(2*20*projectCount + maxProcSum + 950)
}

func main() {
	help := flag.Bool("h", false, "print usage and exit")
	ver := flag.Bool("V", false, "print version and exit")
	noDaemon := flag.Bool("d", false, "do not daemonize, run in the foreground")
	configPath := flag.String("c", "/etc/fcgisched.conf", "configuration file path")
	flag.Parse()

	if *help {
		flag.Usage()
		return
	}
	if *ver {
		fmt.Println("fcgisched", version)
		return
	}

	if !*noDaemon && !daemon.AlreadyDaemonized() {
		isParent, err := daemon.Daemonize()
		if err != nil {
			fmt.Fprintln(os.Stderr, "fcgisched: daemonize:", err)
			os.Exit(1)
		}
		if isParent {
			os.Exit(0)
		}
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "fcgisched:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := iniconfig.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	baseLogger, err := logging.New(cfg.Global.DebugLevel, cfg.Global.LogFile)
	if err != nil {
		return fmt.Errorf("set up logging: %w", err)
	}
	log := logrus.NewEntry(baseLogger)

	for _, w := range cfg.Warnings {
		log.WithError(w).Warn("config warning")
	}

	checkFileDescriptorBudget(cfg, log)

	if err := pidfile.Write(cfg.Global.PidFile); err != nil {
		log.WithError(err).Warn("could not write pidfile")
	}
	defer pidfile.Remove(cfg.Global.PidFile)

	if err := privdrop.Apply(cfg.Global.Chroot, cfg.Global.ChUser); err != nil {
		return fmt.Errorf("drop privileges: %w", err)
	}

	reg := registry.New()
	sup := supervisor.New(reg, log)
	sq := shutdownqueue.New(reg, log, nil, shutdownqueue.DefaultTermTimeout)
	sq.Start()
	defer sq.Stop()

	st := stats.New()
	disp := dispatch.New(reg, sup, log)

	startDebugListener(cfg.Global.Port, log)

	// mgr is referenced by the watcher's change handler below, so it is
	// declared first and assigned once the watcher exists.
	var mgr *projectmgr.Manager
	watcherHandler := func(ev watcher.Event) {
		if ev.Removed {
			log.WithField("project", ev.Project).Info("config file removed, keeping existing workers")
			return
		}
		reloadAndReconcile(configPath, mgr, log)
	}
	wat, err := watcher.New(log, 500*time.Millisecond, watcherHandler)
	if err != nil {
		return fmt.Errorf("start config watcher: %w", err)
	}
	wat.Start()
	defer wat.Stop()

	mgr = projectmgr.New(reg, sup, wat, log)
	mgr.Reconcile(context.Background(), cfg.Projects)
	st.AddProcessStarted(len(reg.ListByList(registry.ListActive)))

	listenAddr := cfg.Global.Listen
	if listenAddr == "*" || listenAddr == "" {
		listenAddr = "0.0.0.0"
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", listenAddr, cfg.Global.Port))
	if err != nil {
		return fmt.Errorf("listen on %s:%d: %w", listenAddr, cfg.Global.Port, err)
	}
	defer ln.Close()
	log.WithField("addr", ln.Addr()).Info("fcgisched listening")

	sigCh := make(chan os.Signal, 8)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2,
		syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGCHLD, syscall.SIGSEGV)

	acceptCh := make(chan net.Conn, 64)
	acceptErrCh := make(chan error, 1)
	go acceptLoop(ln, acceptCh, acceptErrCh)

	drainedCh := make(chan struct{}, 1)
	shuttingDown := false

	for {
		select {
		case conn := <-acceptCh:
			if shuttingDown {
				conn.Close()
				continue
			}
			connStart := time.Now()
			go func(c net.Conn) {
				disp.Serve(c)
				st.AddConnection(time.Since(connStart))
			}(conn)

		case err := <-acceptErrCh:
			if !shuttingDown {
				return fmt.Errorf("accept: %w", err)
			}
			// The listener was closed as part of shutdown; the accept
			// loop exiting is expected and not itself the drain signal.

		case <-drainedCh:
			return nil

		case notice := <-sup.Exits():
			sup.HandleExit(notice, shuttingDown)
			st.AddProcessShutdown(1)
			sq.Wake()

		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				if err := logging.Reopen(baseLogger, cfg.Global.LogFile); err != nil {
					log.WithError(err).Warn("could not reopen log file")
				}
				reloadAndReconcile(configPath, mgr, log)

			case syscall.SIGUSR1:
				st.LogSummary(log)

			case syscall.SIGUSR2:
				stats.DumpRegistry(reg, log)

			case syscall.SIGCHLD:
				// Reaping happens in each worker's own monitor goroutine via
				// cmd.Wait(); this wakes the shutdown queue in case a TERM'd
				// or KILL'd worker just exited.
				sq.Wake()

			case syscall.SIGSEGV:
				log.Error("caught SIGSEGV, re-raising with default disposition")
				signal.Reset(syscall.SIGSEGV)
				proc, _ := os.FindProcess(os.Getpid())
				proc.Signal(syscall.SIGSEGV)

			case syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT:
				if shuttingDown {
					// Second termination signal: restore default
					// disposition and re-raise so it is fatal.
					signal.Reset(sig)
					proc, _ := os.FindProcess(os.Getpid())
					proc.Signal(sig)
					continue
				}
				shuttingDown = true
				log.WithField("signal", sig).Info("shutting down")
				ln.Close()
				mgr.GlobalShutdown()
				sq.Wake()

				empty := sq.NotifyEmpty()
				go func() {
					select {
					case <-empty:
					case <-time.After(30 * time.Second):
						log.Warn("shutdown queue did not drain within 30s, exiting anyway")
					}
					drainedCh <- struct{}{}
				}()
			}
		}
	}
}

// startDebugListener binds a loopback-only HTTP server exposing the
// Prometheus metrics registered by internal/stats, on the main listen
// port's successor. Binding is best-effort: a failure is logged and
// scraping is simply unavailable, it never prevents the scheduler from
// serving FastCGI traffic.
func startDebugListener(port int, log *logrus.Entry) {
	addr := fmt.Sprintf("127.0.0.1:%d", port+1)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.WithError(err).Warn("could not bind debug /metrics listener")
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	go func() {
		if err := http.Serve(ln, mux); err != nil {
			log.WithError(err).Debug("debug /metrics listener stopped")
		}
	}()
	log.WithField("addr", ln.Addr()).Info("debug /metrics listening")
}

func acceptLoop(ln net.Listener, conns chan<- net.Conn, errs chan<- error) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			errs <- err
			return
		}
		conns <- conn
	}
}

func reloadAndReconcile(configPath string, mgr *projectmgr.Manager, log *logrus.Entry) {
	cfg, err := iniconfig.Load(configPath)
	if err != nil {
		log.WithError(err).Warn("config reload failed, keeping previous configuration")
		return
	}
	for _, w := range cfg.Warnings {
		log.WithError(w).Warn("config warning")
	}
	mgr.Reconcile(context.Background(), cfg.Projects)
}

func checkFileDescriptorBudget(cfg *iniconfig.Result, log *logrus.Entry) {
	var maxProcSum int
	for _, p := range cfg.Projects {
		maxProcSum += p.MaxProc
	}
	need := minFileDescriptorBudget(len(cfg.Projects), maxProcSum)

	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		log.WithError(err).Warn("could not read RLIMIT_NOFILE")
		return
	}
	if rlim.Cur >= need {
		return
	}
	if rlim.Max < need {
		log.WithField("need", need).WithField("hard_limit", rlim.Max).
			Warn("hard open-file limit is below the estimated requirement; raise it outside the scheduler")
	}
	newCur := need
	if rlim.Max < newCur {
		newCur = rlim.Max
	}
	rlim.Cur = newCur
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		log.WithError(err).Warn("could not raise RLIMIT_NOFILE")
	}
}
