// Package iniconfig loads the scheduler's INI-style configuration file:
// a global section plus one section per project, repeated numbered keys
// for warm-up parameters and environment overlay, and a glob-based
// include directive. It is the external "configuration loading"
// collaborator named in spec section 1 -- the core only depends on the
// project set and per-project options this package produces.
package iniconfig

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mevdschee/fcgisched/internal/registry"
	"github.com/mevdschee/fcgisched/pkg/fastcgi"
)

// Global holds the config file's global-section settings, with defaults
// applied for anything left unset (see section 6 of the external
// interfaces table).
type Global struct {
	Listen     string
	Port       int
	ChUser     string
	Chroot     string
	PidFile    string
	LogFile    string
	DebugLevel int
	Include    string
}

func defaultGlobal() Global {
	return Global{
		Listen:     "*",
		Port:       10177,
		DebugLevel: 0,
	}
}

// Result is everything Load produces from a config file and its includes.
type Result struct {
	Global   Global
	Projects []*registry.Project

	// Warnings holds non-fatal per-project problems (bad regex, missing
	// process path): the project is still returned, but with Disabled
	// set, per the config-error error-handling policy in spec section 7.
	Warnings []error
}

var numberedKeyRe = regexp.MustCompile(`^(initkey|initvalue|envkey|envvalue)(\d+)$`)

type iniSection struct {
	name   string
	values map[string]string
	// numbered holds initkeyN/initvalueN/envkeyN/envvalueN values keyed
	// by their numeric suffix, preserving order via the sorted keys.
	numbered map[string]map[int]string
}

func newSection(name string) *iniSection {
	return &iniSection{
		name:     name,
		values:   make(map[string]string),
		numbered: make(map[string]map[int]string),
	}
}

func (s *iniSection) set(key, value string) {
	if m := numberedKeyRe.FindStringSubmatch(key); m != nil {
		prefix, idx := m[1], m[2]
		n, err := strconv.Atoi(idx)
		if err != nil {
			return
		}
		if s.numbered[prefix] == nil {
			s.numbered[prefix] = make(map[int]string)
		}
		s.numbered[prefix][n] = value
		return
	}
	s.values[key] = value
}

func (s *iniSection) orderedPairs(keyPrefix, valuePrefix string) []fastcgi.Param {
	keys := s.numbered[keyPrefix]
	vals := s.numbered[valuePrefix]
	if len(keys) == 0 {
		return nil
	}
	indices := make([]int, 0, len(keys))
	for i := range keys {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	out := make([]fastcgi.Param, 0, len(indices))
	for _, i := range indices {
		if i < 0 || i > 127 {
			continue
		}
		out = append(out, fastcgi.Param{Name: keys[i], Value: vals[i]})
	}
	return out
}

// Load parses path (and any files matched by its global `include` glob)
// and returns the global settings and the project set.
func Load(path string) (*Result, error) {
	global := defaultGlobal()
	sections := make(map[string]*iniSection)
	order := []string{}

	if err := parseFile(path, &global, sections, &order, true); err != nil {
		return nil, err
	}

	if global.Include != "" {
		matches, err := filepath.Glob(resolveInclude(path, global.Include))
		if err != nil {
			return nil, fmt.Errorf("iniconfig: bad include glob %q: %w", global.Include, err)
		}
		sort.Strings(matches)
		for _, m := range matches {
			if m == path {
				continue
			}
			// Included files contribute project sections only; their own
			// global section, if any, is ignored.
			if err := parseFile(m, &Global{}, sections, &order, false); err != nil {
				return nil, err
			}
		}
	}

	res := &Result{Global: global}
	for _, name := range order {
		sec := sections[name]
		proj, warn := buildProject(sec)
		if warn != nil {
			res.Warnings = append(res.Warnings, warn)
		}
		res.Projects = append(res.Projects, proj)
	}
	return res, nil
}

func resolveInclude(basePath, pattern string) string {
	if filepath.IsAbs(pattern) {
		return pattern
	}
	return filepath.Join(filepath.Dir(basePath), pattern)
}

// parseFile scans one INI file. When applyGlobal is false, lines in the
// unnamed section are parsed but discarded (per include semantics).
func parseFile(path string, global *Global, sections map[string]*iniSection, order *[]string, applyGlobal bool) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("iniconfig: open %s: %w", path, err)
	}
	defer f.Close()

	var current *iniSection
	globalValues := make(map[string]string)

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ";") || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			name := strings.TrimSpace(line[1 : len(line)-1])
			if _, ok := sections[name]; !ok {
				sections[name] = newSection(name)
				*order = append(*order, name)
			}
			current = sections[name]
			continue
		}
		key, value, ok := splitKV(line)
		if !ok {
			continue
		}
		if current == nil {
			globalValues[key] = value
			continue
		}
		current.set(key, value)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("iniconfig: read %s: %w", path, err)
	}

	if applyGlobal {
		applyGlobalValues(global, globalValues)
	}
	return nil
}

func splitKV(line string) (key, value string, ok bool) {
	i := strings.IndexByte(line, '=')
	if i < 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+1:]), true
}

func applyGlobalValues(g *Global, values map[string]string) {
	if v, ok := values["listen"]; ok {
		g.Listen = v
	}
	if v, ok := values["port"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			g.Port = n
		}
	}
	if v, ok := values["chuser"]; ok {
		g.ChUser = v
	}
	if v, ok := values["chroot"]; ok {
		g.Chroot = v
	}
	if v, ok := values["pidfile"]; ok {
		g.PidFile = v
	}
	if v, ok := values["logfile"]; ok {
		g.LogFile = v
	}
	if v, ok := values["debuglevel"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			g.DebugLevel = n
		}
	}
	if v, ok := values["include"]; ok {
		g.Include = v
	}
}

func buildProject(sec *iniSection) (*registry.Project, error) {
	p := &registry.Project{
		Name:        sec.name,
		Process:     sec.values["process"],
		CWD:         sec.values["cwd"],
		ConfigFile:  sec.values["config_file"],
		MatchKey:    sec.values["scan_param"],
		MinProc:     intOr(sec.values["min_proc"], 1),
		MaxProc:     intOr(sec.values["max_proc"], 20),
		ReadTimeout: 5 * time.Second,
		InitParams:  sec.orderedPairs("initkey", "initvalue"),
		Env:         sec.orderedPairs("envkey", "envvalue"),
	}
	if p.CWD == "" {
		p.CWD = "/"
	}
	if args, ok := sec.values["process_args"]; ok && args != "" {
		p.ProcessArgs = strings.Fields(args)
	}

	if p.Process == "" {
		p.Disabled = true
		return p, fmt.Errorf("iniconfig: project %q: missing process", sec.name)
	}

	regex := sec.values["scan_regex"]
	if regex == "" {
		p.Disabled = true
		return p, fmt.Errorf("iniconfig: project %q: missing scan_regex", sec.name)
	}
	re, err := regexp.Compile(regex)
	if err != nil {
		p.Disabled = true
		return p, fmt.Errorf("iniconfig: project %q: bad scan_regex %q: %w", sec.name, regex, err)
	}
	p.MatchRegex = re

	return p, nil
}

func intOr(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
