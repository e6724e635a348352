// Package projectmgr implements the project manager (spec component C8):
// reconciling the registry's set of projects against a freshly loaded
// configuration, and the shutdown-a-project / global-shutdown operations
// the main loop drives on SIGHUP and on termination.
package projectmgr

import (
	"context"
	"reflect"

	"github.com/sirupsen/logrus"

	"github.com/mevdschee/fcgisched/internal/registry"
	"github.com/mevdschee/fcgisched/internal/supervisor"
	"github.com/mevdschee/fcgisched/internal/watcher"
)

// Manager reconciles project configuration against live registry/worker
// state.
type Manager struct {
	reg *registry.Registry
	sup *supervisor.Supervisor
	wat *watcher.Watcher
	log *logrus.Entry
}

// New creates a Manager bound to reg, sup and wat. wat may be nil, in
// which case config-file watching is skipped (used by tests that don't
// exercise C5).
func New(reg *registry.Registry, sup *supervisor.Supervisor, wat *watcher.Watcher, log *logrus.Entry) *Manager {
	return &Manager{reg: reg, sup: sup, wat: wat, log: log}
}

// Reconcile compares the registry's current projects against a newly
// loaded set: new projects are watched and spawned up to MinProc, or one
// worker when MinProc is not positive (blocking); changed projects are
// recycled via an exchange-mode batch start (old workers move to SHUTDOWN,
// new ones take over, crash counter resets); projects no longer present
// are shut down. The batches of distinct new/changed projects run one
// after another, each spawning its own workers concurrently; the call
// returns once every project's batch has completed or failed.
func (m *Manager) Reconcile(ctx context.Context, incoming []*registry.Project) {
	current := make(map[string]*registry.Project)
	for _, p := range m.reg.Projects() {
		current[p.Name] = p
	}

	seen := make(map[string]bool, len(incoming))
	type job struct {
		project  *registry.Project
		exchange bool
	}
	var jobs []job

	for _, np := range incoming {
		seen[np.Name] = true
		cp, exists := current[np.Name]

		if !exists {
			m.reg.AddProject(np)
			m.watchProject(np)
			if !np.Disabled {
				jobs = append(jobs, job{np, false})
			}
			continue
		}

		if projectChanged(cp, np) {
			m.reg.AddProject(np)
			m.watchProject(np)
			if !np.Disabled {
				jobs = append(jobs, job{np, true})
			}
		}
	}

	for name := range current {
		if !seen[name] {
			m.ShutdownProject(name)
			if m.wat != nil {
				m.wat.Unwatch(name)
			}
		}
	}

	for _, j := range jobs {
		n := j.project.MinProc
		if n <= 0 {
			n = 1
		}
		if err := m.sup.StartBatch(ctx, n, j.project, j.exchange); err != nil {
			m.log.WithError(err).WithField("project", j.project.Name).Warn("projectmgr: batch start reported an error")
		}
	}
}

func (m *Manager) watchProject(p *registry.Project) {
	if m.wat == nil || p.ConfigFile == "" {
		return
	}
	if err := m.wat.Watch(p.Name, p.ConfigFile); err != nil {
		m.log.WithError(err).WithField("project", p.Name).Warn("projectmgr: could not watch config file")
	}
}

// ShutdownProject moves a project's INIT and ACTIVE lists to SHUTDOWN,
// leaving the shutdown queue (C4) to drain them.
func (m *Manager) ShutdownProject(name string) {
	m.reg.BulkMoveList(name, registry.ListInit, registry.ListShutdown)
	m.reg.BulkMoveList(name, registry.ListActive, registry.ListShutdown)
}

// GlobalShutdown moves every worker of every project to SHUTDOWN and stops
// watching every project's config file, used on SIGTERM/SIGINT/SIGQUIT.
func (m *Manager) GlobalShutdown() {
	m.reg.GlobalShutdown()
	if m.wat == nil {
		return
	}
	for _, p := range m.reg.Projects() {
		m.wat.Unwatch(p.Name)
	}
}

// projectChanged reports whether np's configuration differs meaningfully
// from cp's, i.e. whether workers spawned under cp need to be recycled.
func projectChanged(cp, np *registry.Project) bool {
	if cp.Process != np.Process || cp.CWD != np.CWD || cp.MatchKey != np.MatchKey {
		return true
	}
	if cp.MinProc != np.MinProc || cp.MaxProc != np.MaxProc || cp.ReadTimeout != np.ReadTimeout {
		return true
	}
	if (cp.MatchRegex == nil) != (np.MatchRegex == nil) {
		return true
	}
	if cp.MatchRegex != nil && np.MatchRegex != nil && cp.MatchRegex.String() != np.MatchRegex.String() {
		return true
	}
	if !reflect.DeepEqual(cp.ProcessArgs, np.ProcessArgs) {
		return true
	}
	if !reflect.DeepEqual(cp.Env, np.Env) {
		return true
	}
	if !reflect.DeepEqual(cp.InitParams, np.InitParams) {
		return true
	}
	return false
}
