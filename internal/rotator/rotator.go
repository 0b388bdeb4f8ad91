// Package rotator promotes finished recording segments from a staging directory into
// an output directory while the engine keeps writing, bounding staging to the single
// segment currently open.
//
// Segments are assumed to come from one writer that creates them in increasing
// creation-time order and holds at most one open at a time.
package rotator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sourcegraph/conc"

	"github.com/snapetech/framegrabber/internal/metrics"
)

const (
	DefaultInterval = time.Second
	DefaultLayout   = "2006-01-02_15-04-05"
	partialSuffix   = ".partial"
)

// ErrBusy is returned by Pass when another pass is still running.
var ErrBusy = errors.New("rotator: pass already running")

// Segment is one staging file and, once promoted, its output location.
type Segment struct {
	StagingPath string
	OutputPath  string
	Created     time.Time
	Size        int64
}

// Result describes one rotation pass.
type Result struct {
	Skipped  bool
	Promoted *Segment
	Deleted  []string
}

// Config for a Rotator.
type Config struct {
	StagingDir string
	OutputDir  string
	Interval   time.Duration
	// Watch triggers an extra pass when a new staging file appears.
	Watch bool
	// Layout formats the segment creation time into the output file name.
	Layout    string
	OnPromote func(Segment)
}

// Option configures optional collaborators.
type Option func(*Rotator)

// WithMetrics wires Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option { return func(r *Rotator) { r.metrics = m } }

// WithCreationTime overrides how a staging file's creation time is read.
func WithCreationTime(fn func(path string, fi fs.FileInfo) time.Time) Option {
	return func(r *Rotator) { r.created = fn }
}

// Rotator reconciles one staging directory with one output directory.
type Rotator struct {
	cfg     Config
	metrics *metrics.Metrics
	created func(path string, fi fs.FileInfo) time.Time
	busy    atomic.Bool
	passes  conc.WaitGroup
}

// New validates cfg and creates the output directory.
func New(cfg Config, opts ...Option) (*Rotator, error) {
	if strings.TrimSpace(cfg.StagingDir) == "" || strings.TrimSpace(cfg.OutputDir) == "" {
		return nil, fmt.Errorf("rotator: staging and output dirs are required")
	}
	if filepath.Clean(cfg.StagingDir) == filepath.Clean(cfg.OutputDir) {
		return nil, fmt.Errorf("rotator: staging and output must differ (%s)", cfg.StagingDir)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Layout == "" {
		cfg.Layout = DefaultLayout
	}
	if err := os.MkdirAll(cfg.StagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("staging dir: %w", err)
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("output dir: %w", err)
	}
	r := &Rotator{cfg: cfg, created: creationTime}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Pass runs one rotation. A pass that starts while another is running returns
// immediately with Result.Skipped set and ErrBusy.
func (r *Rotator) Pass(ctx context.Context) (Result, error) {
	if !r.busy.CompareAndSwap(false, true) {
		r.metrics.Rotation(0, 0, true, nil)
		return Result{Skipped: true}, ErrBusy
	}
	defer r.busy.Store(false)
	res, err := r.pass(ctx)
	n := 0
	if res.Promoted != nil {
		n = 1
	}
	r.metrics.Rotation(n, len(res.Deleted), false, err)
	return res, err
}

func (r *Rotator) pass(ctx context.Context) (Result, error) {
	var res Result
	segs, err := r.list()
	if err != nil {
		return res, err
	}
	if len(segs) < 2 {
		return res, nil
	}
	done := segs[len(segs)-2]
	if err := r.promote(&done); err != nil {
		return res, err
	}
	res.Promoted = &done

	if err := ctx.Err(); err != nil {
		return res, err
	}
	segs, err = r.list()
	if err != nil {
		return res, err
	}
	if len(segs) < 2 {
		return res, nil
	}
	for _, s := range segs[:len(segs)-1] {
		if err := os.Remove(s.StagingPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Printf("rotator: delete stale segment path=%q err=%v", s.StagingPath, err)
			continue
		}
		log.Printf("rotator: deleted stale segment path=%q", s.StagingPath)
		res.Deleted = append(res.Deleted, s.StagingPath)
	}
	return res, nil
}

// Drain promotes every remaining staging file, oldest first. Call it after the
// engine has exited, when the last segment is complete too. It waits for a running pass.
func (r *Rotator) Drain(ctx context.Context) ([]Segment, error) {
	for !r.busy.CompareAndSwap(false, true) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	defer r.busy.Store(false)
	segs, err := r.list()
	if err != nil {
		return nil, err
	}
	var out []Segment
	for i := range segs {
		if err := r.promote(&segs[i]); err != nil {
			r.metrics.Rotation(len(out), 0, false, err)
			return out, err
		}
		out = append(out, segs[i])
	}
	r.metrics.Rotation(len(out), 0, false, nil)
	return out, nil
}

// Run drives passes every Interval, plus one per new staging file when Watch is set,
// until ctx is done. It returns after the in-flight pass finished.
func (r *Rotator) Run(ctx context.Context) error {
	t := time.NewTicker(r.cfg.Interval)
	defer t.Stop()
	defer r.passes.Wait()

	var events <-chan fsnotify.Event
	var errs <-chan error
	if r.cfg.Watch {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			log.Printf("rotator: watch disabled err=%v", err)
		} else if err := w.Add(r.cfg.StagingDir); err != nil {
			log.Printf("rotator: watch disabled dir=%q err=%v", r.cfg.StagingDir, err)
			w.Close()
		} else {
			defer w.Close()
			events, errs = w.Events, w.Errors
		}
	}
	log.Printf("rotator: running staging=%q output=%q interval=%s watch=%t",
		r.cfg.StagingDir, r.cfg.OutputDir, r.cfg.Interval, events != nil)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			r.kick(ctx)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Has(fsnotify.Create) && !strings.HasSuffix(ev.Name, partialSuffix) {
				r.kick(ctx)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.Printf("rotator: watch err=%v", err)
		}
	}
}

// kick starts a pass in the background; it is dropped if one is already running.
func (r *Rotator) kick(ctx context.Context) {
	if r.busy.Load() {
		r.metrics.Rotation(0, 0, true, nil)
		return
	}
	r.passes.Go(func() {
		if _, err := r.Pass(ctx); err != nil && !errors.Is(err, ErrBusy) && ctx.Err() == nil {
			log.Printf("rotator: pass err=%v", err)
		}
	})
}

// list returns the staging files ordered by creation time, name breaking ties.
func (r *Rotator) list() ([]Segment, error) {
	entries, err := os.ReadDir(r.cfg.StagingDir)
	if err != nil {
		return nil, fmt.Errorf("list staging: %w", err)
	}
	segs := make([]Segment, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || strings.HasPrefix(name, ".") || strings.HasSuffix(name, partialSuffix) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue // removed under us
		}
		p := filepath.Join(r.cfg.StagingDir, name)
		segs = append(segs, Segment{StagingPath: p, Created: r.created(p, fi), Size: fi.Size()})
	}
	sort.Slice(segs, func(i, j int) bool {
		if !segs[i].Created.Equal(segs[j].Created) {
			return segs[i].Created.Before(segs[j].Created)
		}
		return segs[i].StagingPath < segs[j].StagingPath
	})
	return segs, nil
}

func (r *Rotator) promote(s *Segment) error {
	dst, err := r.outputName(*s)
	if err != nil {
		return err
	}
	if err := moveFile(s.StagingPath, dst); err != nil {
		return fmt.Errorf("promote %s: %w", s.StagingPath, err)
	}
	s.OutputPath = dst
	log.Printf("rotator: promoted staging=%q output=%q size=%d", s.StagingPath, dst, s.Size)
	if r.cfg.OnPromote != nil {
		r.cfg.OnPromote(*s)
	}
	return nil
}

// outputName derives a free output path from the segment's creation time, adding
// -1, -2, ... when the name is taken.
func (r *Rotator) outputName(s Segment) (string, error) {
	base := s.Created.Format(r.cfg.Layout)
	ext := filepath.Ext(s.StagingPath)
	for i := 0; i < 1000; i++ {
		name := base
		if i > 0 {
			name += "-" + strconv.Itoa(i)
		}
		p := filepath.Join(r.cfg.OutputDir, name+ext)
		if _, err := os.Lstat(p); errors.Is(err, fs.ErrNotExist) {
			return p, nil
		} else if err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("no free output name for %s", base+ext)
}

// moveFile renames src to dst, falling back to copy+remove across filesystems.
// The file ends up in exactly one of the two places.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil || !isCrossDevice(err) {
		return err
	}
	partial := dst + partialSuffix
	if err := copyFile(src, partial); err != nil {
		os.Remove(partial)
		return err
	}
	if err := os.Rename(partial, dst); err != nil {
		os.Remove(partial)
		return err
	}
	if err := os.Remove(src); err != nil && !errors.Is(err, fs.ErrNotExist) {
		os.Remove(dst)
		return err
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	fi, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, fi.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
