// Package registry tracks the OS process IDs of running engine subprocesses per
// operation kind so they can be terminated in bulk.
//
// A Registry is constructed and owned by the caller and handed to each supervisor;
// there is no package-level instance.
package registry

import (
	"errors"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
)

// Kind is the operation kind a process belongs to.
type Kind string

const (
	KindCapture Kind = "capture"
	KindConvert Kind = "convert"
	KindMerge   Kind = "merge"
)

// Kinds lists every operation kind in a stable order.
var Kinds = []Kind{KindCapture, KindConvert, KindMerge}

// ParseKind maps a case-insensitive name to a Kind.
func ParseKind(s string) (Kind, bool) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindCapture:
		return KindCapture, true
	case KindConvert:
		return KindConvert, true
	case KindMerge:
		return KindMerge, true
	}
	return "", false
}

// ErrNoProcess is returned by a Resolver when the PID does not resolve to a live process.
var ErrNoProcess = errors.New("no such process")

// Resolver maps a PID to the short name of the process currently holding it.
type Resolver interface {
	ProcessName(pid int) (string, error)
}

// Journal mirrors registry membership somewhere durable (see internal/ledger).
// Errors are logged, never propagated.
type Journal interface {
	RecordProcess(kind string, pid int) error
	ForgetProcess(kind string, pid int) error
}

// Record associates a supervised operation kind with an OS process ID.
type Record struct {
	Kind Kind
	PID  int
}

// Registry is a mutex-protected set of PIDs per Kind.
type Registry struct {
	engine   string
	resolver Resolver
	journal  Journal
	kill     func(pid int) error

	mu   sync.Mutex
	sets map[Kind]map[int]struct{}
}

// Option configures a Registry.
type Option func(*Registry)

// WithResolver overrides the process-name resolver (default: /proc via procfs).
func WithResolver(r Resolver) Option { return func(g *Registry) { g.resolver = r } }

// WithJournal mirrors Add/Remove into j.
func WithJournal(j Journal) Option { return func(g *Registry) { g.journal = j } }

// WithKill overrides how a PID is force-terminated (tests).
func WithKill(fn func(pid int) error) Option { return func(g *Registry) { g.kill = fn } }

// New returns an empty registry whose processes are expected to be named engine (e.g. "ffmpeg").
func New(engine string, opts ...Option) *Registry {
	g := &Registry{
		engine:   engine,
		resolver: ProcResolver{},
		kill:     killPID,
		sets:     make(map[Kind]map[int]struct{}),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Engine returns the expected engine process name.
func (g *Registry) Engine() string { return g.engine }

// Add inserts pid into the set for kind.
func (g *Registry) Add(kind Kind, pid int) {
	if pid <= 0 {
		return
	}
	g.mu.Lock()
	set, ok := g.sets[kind]
	if !ok {
		set = make(map[int]struct{})
		g.sets[kind] = set
	}
	set[pid] = struct{}{}
	g.mu.Unlock()
	if g.journal != nil {
		if err := g.journal.RecordProcess(string(kind), pid); err != nil {
			log.Printf("registry: journal record kind=%s pid=%d err=%v", kind, pid, err)
		}
	}
}

// Remove deletes pid from the set for kind. It reports true only for the call that
// actually removed the record.
func (g *Registry) Remove(kind Kind, pid int) bool {
	g.mu.Lock()
	set := g.sets[kind]
	_, ok := set[pid]
	if ok {
		delete(set, pid)
	}
	g.mu.Unlock()
	if ok && g.journal != nil {
		if err := g.journal.ForgetProcess(string(kind), pid); err != nil {
			log.Printf("registry: journal forget kind=%s pid=%d err=%v", kind, pid, err)
		}
	}
	return ok
}

// Contains reports whether pid is registered under kind.
func (g *Registry) Contains(kind Kind, pid int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.sets[kind][pid]
	return ok
}

// PIDs returns the registered PIDs for kind in ascending order.
func (g *Registry) PIDs(kind Kind) []int {
	g.mu.Lock()
	out := make([]int, 0, len(g.sets[kind]))
	for pid := range g.sets[kind] {
		out = append(out, pid)
	}
	g.mu.Unlock()
	sort.Ints(out)
	return out
}

// Len returns the number of records for kind.
func (g *Registry) Len(kind Kind) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sets[kind])
}

// IsEngine reports whether pid currently resolves to a process named like the engine.
// Lookup failures count as "not the engine".
func (g *Registry) IsEngine(pid int) bool {
	name, err := g.resolver.ProcessName(pid)
	if err != nil {
		return false
	}
	return MatchesEngine(name, g.engine)
}

// Terminate force-kills pid if it still identifies as the engine. It reports whether
// a kill was issued.
func (g *Registry) Terminate(pid int) bool {
	if !g.IsEngine(pid) {
		return false
	}
	if err := g.kill(pid); err != nil {
		log.Printf("registry: kill pid=%d err=%v", pid, err)
		return false
	}
	return true
}

// KillAll terminates every registered process of kind that still identifies as the
// engine. Records whose PID no longer resolves, or resolves to an unrelated process,
// are dropped. Records of killed processes stay until their supervisor disposes.
// Returns the number of processes killed.
func (g *Registry) KillAll(kind Kind) int {
	killed := 0
	for _, pid := range g.PIDs(kind) {
		if !g.IsEngine(pid) {
			if g.Remove(kind, pid) {
				log.Printf("registry: dropped stale record kind=%s pid=%d", kind, pid)
			}
			continue
		}
		if err := g.kill(pid); err != nil {
			log.Printf("registry: kill kind=%s pid=%d err=%v", kind, pid, err)
			continue
		}
		killed++
	}
	if killed > 0 {
		log.Printf("registry: killall kind=%s engine=%s killed=%d", kind, g.engine, killed)
	}
	return killed
}

// MatchesEngine compares a resolved process name with the expected engine name.
// /proc comm is truncated to 15 bytes and Windows names carry ".exe", so both are tolerated.
func MatchesEngine(name, engine string) bool {
	name = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".exe")
	engine = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(engine)), ".exe")
	if name == "" || engine == "" {
		return false
	}
	if name == engine {
		return true
	}
	const commLen = 15
	return len(name) == commLen && len(engine) > commLen && strings.HasPrefix(engine, name)
}

func killPID(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

// Reap terminates processes left behind by a previous run (records read back from
// the journal). Records are never added to the in-memory sets; every journal entry
// is forgotten whether or not a kill was needed. Returns the number killed.
func (g *Registry) Reap(recs []Record) int {
	killed := 0
	for _, rec := range recs {
		if g.Contains(rec.Kind, rec.PID) {
			continue
		}
		if g.Terminate(rec.PID) {
			killed++
			log.Printf("registry: reaped orphan kind=%s pid=%d", rec.Kind, rec.PID)
		}
		if g.journal != nil {
			_ = g.journal.ForgetProcess(string(rec.Kind), rec.PID)
		}
	}
	return killed
}
