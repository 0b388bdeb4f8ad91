// Package supervisor owns one engine subprocess for the lifetime of one operation.
//
// A Supervisor starts the engine, watches it with two passive detectors (a liveness
// ticker and a stderr scanner), reports completion on a clean exit, and tears it down
// with a graceful-then-forced disposal protocol. Failures are delivered only through
// Callbacks.OnStreamFail, at most once per operation.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/snapetech/framegrabber/internal/diag"
	"github.com/snapetech/framegrabber/internal/metrics"
	"github.com/snapetech/framegrabber/internal/registry"
	"github.com/snapetech/framegrabber/internal/safeurl"
)

// StreamTimeout is the failure message of the liveness detector.
const StreamTimeout = "Stream Timeout"

const (
	DefaultTick            = 100 * time.Millisecond
	DefaultLivenessTimeout = 10 * time.Second
	DefaultPollInterval    = 50 * time.Millisecond
	DefaultPollAttempts    = 50
)

// ErrStarted is returned by Start on a Supervisor that was already started.
var ErrStarted = errors.New("supervisor: already started")

// ResetMode selects which activity resets the liveness counter.
type ResetMode int

const (
	// ResetOnHeader: only ReportLiveness (called by the frame worker on a header match).
	ResetOnHeader ResetMode = iota
	// ResetOnDiagnostic: every stderr line also counts, for operations without frame scanning.
	ResetOnDiagnostic
)

func (m ResetMode) String() string {
	if m == ResetOnDiagnostic {
		return "diagnostic"
	}
	return "header"
}

// FailureFunc inspects one diagnostic line and reports whether it declares the
// operation failed, and with which message.
type FailureFunc func(line string) (msg string, failed bool)

// PrefixFailure treats lines starting with prefix as a source-unreachable failure,
// surfacing the rest of the line. An empty prefix never matches.
func PrefixFailure(prefix string) FailureFunc {
	return func(line string) (string, bool) {
		if prefix == "" || !strings.HasPrefix(line, prefix) {
			return "", false
		}
		return strings.TrimSpace(strings.TrimPrefix(line, prefix)), true
	}
}

// Config describes the engine invocation and the detector tuning for one operation.
type Config struct {
	Name       string // operation id, used in logs
	Kind       registry.Kind
	EngineName string // expected process name when no registry is wired; otherwise the registry's applies
	Path       string
	Args       []string
	Env        map[string]string
	Dir        string

	LivenessTimeout time.Duration
	Tick            time.Duration
	ResetOn         ResetMode

	// FailurePrefix marks the engine's source-unreachable lines. Failure, when set, replaces it.
	FailurePrefix string
	Failure       FailureFunc

	// CompleteOnExit fires OnStreamEnd(OutputPath) when the engine exits with code 0.
	CompleteOnExit bool
	OutputPath     string

	PollInterval time.Duration
	PollAttempts int
}

func (c *Config) applyDefaults() {
	if c.Tick <= 0 {
		c.Tick = DefaultTick
	}
	if c.LivenessTimeout <= 0 {
		c.LivenessTimeout = DefaultLivenessTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PollAttempts <= 0 {
		c.PollAttempts = DefaultPollAttempts
	}
	if c.Kind == "" {
		c.Kind = registry.KindCapture
	}
	if c.Failure == nil {
		c.Failure = PrefixFailure(c.FailurePrefix)
	}
	if c.Name == "" {
		c.Name = string(c.Kind)
	}
}

// Callbacks is the upward surface of an operation. Any field may be nil.
//
// OnStreamFail and OnDiagnostic run on a detector goroutine. Calling Dispose from
// inside them stops the engine and drops the registry record before returning; the
// detectors are joined once the callback has returned.
type Callbacks struct {
	OnStreamFail func(msg string)
	OnStreamEnd  func(outputPath string)
	OnDiagnostic func(line string)
}

// StreamError is the last failure observed by a Supervisor.
type StreamError struct {
	Reason  string // "timeout" or "source"
	Message string
}

func (e *StreamError) Error() string { return e.Reason + ": " + e.Message }

// Option configures optional collaborators.
type Option func(*Supervisor)

// WithMetrics wires Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Supervisor) { s.metrics = m } }

// WithTranscript hands ownership of t to the Supervisor; it is closed on Dispose.
func WithTranscript(t *diag.Transcript) Option { return func(s *Supervisor) { s.transcript = t } }

// WithLimiter overrides the advisory log limiter.
func WithLimiter(l *diag.Limiter) Option { return func(s *Supervisor) { s.limiter = l } }

// Supervisor owns one engine subprocess. Create with New, then Start once and
// Dispose once (extra Dispose calls are no-ops).
type Supervisor struct {
	cfg        Config
	reg        *registry.Registry
	cb         Callbacks
	metrics    *metrics.Metrics
	transcript *diag.Transcript
	limiter    *diag.Limiter

	cmd    *exec.Cmd
	pid    int
	stdin  io.WriteCloser
	stdout *os.File
	stderr *os.File
	cancel context.CancelFunc
	loops  conc.WaitGroup
	exited chan struct{}

	liveness  atomic.Int64 // milliseconds without qualifying activity
	started   atomic.Bool
	failed    atomic.Bool
	ended     atomic.Bool
	disposing atomic.Bool
	exitCode  atomic.Int64
	callbacks atomic.Int32 // callbacks running on a detector goroutine

	errMu sync.Mutex
	err   *StreamError

	disposeStarted atomic.Bool
	disposed       chan struct{}
}

// New returns an unstarted Supervisor. reg may be nil when no bulk termination is needed.
func New(cfg Config, reg *registry.Registry, cb Callbacks, opts ...Option) *Supervisor {
	cfg.applyDefaults()
	s := &Supervisor{
		cfg:      cfg,
		reg:      reg,
		cb:       cb,
		exited:   make(chan struct{}),
		disposed: make(chan struct{}),
	}
	s.exitCode.Store(-1)
	for _, o := range opts {
		o(s)
	}
	if s.limiter == nil {
		s.limiter = diag.NewLimiter(fmt.Sprintf("supervisor[%s] engine:", cfg.Name), 2*time.Second, 5)
	}
	return s
}

// Start launches the engine and its detectors. The returned reader is the engine's
// stdout; the caller's stream worker must be its only reader. The reader is closed by Dispose.
func (s *Supervisor) Start(ctx context.Context) (io.Reader, error) {
	if !s.started.CompareAndSwap(false, true) {
		return nil, ErrStarted
	}
	if strings.TrimSpace(s.cfg.Path) == "" {
		return nil, fmt.Errorf("supervisor[%s]: missing engine path", s.cfg.Name)
	}

	// Own the read ends of os.Pipe so Wait never closes them under the stream worker.
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	cmd := exec.Command(s.cfg.Path, s.cfg.Args...)
	cmd.Env = mergedEnv(os.Environ(), s.cfg.Env)
	if s.cfg.Dir != "" {
		cmd.Dir = s.cfg.Dir
	}
	cmd.Stdout = outW
	cmd.Stderr = errW
	stdin, err := cmd.StdinPipe()
	if err != nil {
		closeAll(outR, outW, errR, errW)
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		closeAll(outR, outW, errR, errW)
		return nil, fmt.Errorf("start engine: %w", err)
	}
	outW.Close()
	errW.Close()

	s.cmd = cmd
	s.pid = cmd.Process.Pid
	s.stdin = stdin
	s.stdout = outR
	s.stderr = errR
	if s.reg != nil {
		s.reg.Add(s.cfg.Kind, s.pid)
	}
	s.metrics.ProcessStarted(string(s.cfg.Kind))
	log.Printf("supervisor[%s]: pid=%d kind=%s reset=%s timeout=%s args=%q",
		s.cfg.Name, s.pid, s.cfg.Kind, s.cfg.ResetOn, s.cfg.LivenessTimeout, strings.Join(safeurl.RedactArgs(s.cfg.Args), " "))

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.waitExit()
	s.loops.Go(func() { s.runLiveness(loopCtx) })
	s.loops.Go(s.scanStderr)
	return outR, nil
}

// ReportLiveness resets the liveness counter. Called by the stream worker on every
// header match; safe from any goroutine.
func (s *Supervisor) ReportLiveness() {
	s.liveness.Store(0)
}

// Liveness returns the time accumulated since the last qualifying activity.
func (s *Supervisor) Liveness() time.Duration {
	return time.Duration(s.liveness.Load()) * time.Millisecond
}

// PID returns the engine's process id (0 before Start).
func (s *Supervisor) PID() int { return s.pid }

// Kind returns the operation kind.
func (s *Supervisor) Kind() registry.Kind { return s.cfg.Kind }

// Exited is closed once the engine has exited and been reaped.
func (s *Supervisor) Exited() <-chan struct{} { return s.exited }

// ExitCode returns the engine's exit code, or -1 while running or when killed by a signal.
func (s *Supervisor) ExitCode() int { return int(s.exitCode.Load()) }

// Err returns the declared failure, if any.
func (s *Supervisor) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		return nil
	}
	return s.err
}

// Failed reports whether a stream failure was declared.
func (s *Supervisor) Failed() bool { return s.failed.Load() }

// tick advances the liveness counter by one tick and reports whether the threshold was reached.
func (s *Supervisor) tick() bool {
	v := s.liveness.Add(s.cfg.Tick.Milliseconds())
	return v >= s.cfg.LivenessTimeout.Milliseconds()
}

func (s *Supervisor) runLiveness(ctx context.Context) {
	t := time.NewTicker(s.cfg.Tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if s.failed.Load() || s.ended.Load() {
				return
			}
			if s.tick() {
				s.fail("timeout", StreamTimeout)
				return
			}
		}
	}
}

func (s *Supervisor) scanStderr() {
	sc := newLineScanner(s.stderr)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if s.cfg.ResetOn == ResetOnDiagnostic {
			s.ReportLiveness()
		}
		if s.transcript != nil {
			_ = s.transcript.WriteLine(line)
		}
		if msg, ok := s.cfg.Failure(line); ok {
			s.fail("source", msg)
			continue
		}
		s.limiter.Log(line)
		if s.cb.OnDiagnostic != nil && !s.disposing.Load() {
			s.callback(func() { s.cb.OnDiagnostic(line) })
		}
	}
	err := sc.Err()
	if err != nil && !errors.Is(err, os.ErrClosed) && !s.disposing.Load() {
		log.Printf("supervisor[%s]: stderr read err=%v", s.cfg.Name, err)
	}
	if errors.Is(err, bufio.ErrTooLong) {
		// Keep the pipe drained or the engine blocks writing diagnostics.
		_, _ = io.Copy(io.Discard, s.stderr)
	}
}

// callback runs fn as a detector callback; see Callbacks.
func (s *Supervisor) callback(fn func()) {
	s.callbacks.Add(1)
	defer s.callbacks.Add(-1)
	fn()
}

// fail declares the operation failed. Only the first call has any effect, and none
// after disposal began.
func (s *Supervisor) fail(reason, msg string) {
	if s.disposing.Load() || !s.failed.CompareAndSwap(false, true) {
		return
	}
	s.errMu.Lock()
	s.err = &StreamError{Reason: reason, Message: msg}
	s.errMu.Unlock()
	s.metrics.Failure(string(s.cfg.Kind), reason)
	log.Printf("supervisor[%s]: stream failure pid=%d reason=%s msg=%q", s.cfg.Name, s.pid, reason, safeurl.Redact(msg))
	if s.cb.OnStreamFail != nil {
		s.callback(func() { s.cb.OnStreamFail(msg) })
	}
}

func (s *Supervisor) waitExit() {
	err := s.cmd.Wait()
	code := -1
	if s.cmd.ProcessState != nil {
		code = s.cmd.ProcessState.ExitCode()
	}
	s.exitCode.Store(int64(code))
	close(s.exited)

	if s.disposing.Load() {
		return
	}
	if code != 0 {
		log.Printf("supervisor[%s]: engine exited pid=%d code=%d err=%v", s.cfg.Name, s.pid, code, err)
		return
	}
	log.Printf("supervisor[%s]: engine exited pid=%d code=0", s.cfg.Name, s.pid)
	if !s.cfg.CompleteOnExit || s.failed.Load() {
		return
	}
	if s.ended.CompareAndSwap(false, true) {
		s.metrics.End(string(s.cfg.Kind))
		if s.cb.OnStreamEnd != nil {
			s.cb.OnStreamEnd(s.cfg.OutputPath)
		}
	}
}

// Dispose tears the operation down. It is idempotent and safe to call concurrently;
// every caller returns after teardown completed.
//
//  1. best-effort "q" on the engine's stdin
//  2. stop the detectors and release the pipe handles
//  3. poll for exit every PollInterval, up to PollAttempts; force-kill if the PID still
//     identifies as the engine afterwards
//  4. drop the registry record and join the detector goroutines
//
// Called from a detector callback, Dispose returns after step 4's registry removal and
// the join completes in the background.
func (s *Supervisor) Dispose() {
	if s.disposeStarted.CompareAndSwap(false, true) {
		s.dispose()
		return
	}
	if s.callbacks.Load() > 0 {
		return
	}
	<-s.disposed
}

func (s *Supervisor) dispose() {
	s.disposing.Store(true)
	if s.cmd == nil {
		s.closeTranscript()
		close(s.disposed)
		return
	}
	start := time.Now()

	if _, err := io.WriteString(s.stdin, "q\n"); err == nil {
		log.Printf("supervisor[%s]: sent quit pid=%d", s.cfg.Name, s.pid)
	}

	s.cancel()
	_ = s.stdin.Close()
	_ = s.stdout.Close()
	_ = s.stderr.Close()

	forced := s.awaitExit()
	if s.reg != nil {
		s.reg.Remove(s.cfg.Kind, s.pid)
	}
	if s.callbacks.Load() > 0 {
		go s.joinLoops()
	} else {
		s.joinLoops()
	}
	dur := time.Since(start)
	s.metrics.ProcessDisposed(string(s.cfg.Kind), dur.Seconds(), forced)
	log.Printf("supervisor[%s]: disposed pid=%d exit=%d forced=%t dur=%s",
		s.cfg.Name, s.pid, s.ExitCode(), forced, dur.Round(time.Millisecond))
}

func (s *Supervisor) joinLoops() {
	defer close(s.disposed)
	s.loops.Wait()
	s.closeTranscript()
}

// awaitExit polls for the engine to go away and kills it when the budget runs out.
// It reports whether a forced kill was issued.
func (s *Supervisor) awaitExit() bool {
	t := time.NewTicker(s.cfg.PollInterval)
	defer t.Stop()
	for i := 0; i < s.cfg.PollAttempts; i++ {
		select {
		case <-s.exited:
			return false
		case <-t.C:
		}
		if !s.isEngine() {
			return false
		}
	}
	select {
	case <-s.exited:
		return false
	default:
	}
	if !s.isEngine() {
		return false
	}
	log.Printf("supervisor[%s]: engine still running after %d polls; killing pid=%d", s.cfg.Name, s.cfg.PollAttempts, s.pid)
	if err := s.cmd.Process.Kill(); err != nil {
		return false
	}
	select {
	case <-s.exited:
	case <-time.After(time.Second):
	}
	return true
}

func (s *Supervisor) isEngine() bool {
	select {
	case <-s.exited:
		return false
	default:
	}
	if s.reg != nil {
		return s.reg.IsEngine(s.pid)
	}
	name, err := registry.ProcResolver{}.ProcessName(s.pid)
	return err == nil && registry.MatchesEngine(name, s.cfg.EngineName)
}

func (s *Supervisor) closeTranscript() {
	if n := s.limiter.Suppressed(); n > 0 {
		log.Printf("supervisor[%s]: %d advisory line(s) not logged", s.cfg.Name, n)
	}
	if s.transcript == nil {
		return
	}
	if err := s.transcript.Close(); err != nil {
		log.Printf("supervisor[%s]: transcript close err=%v", s.cfg.Name, err)
		return
	}
	log.Printf("supervisor[%s]: transcript %s lines=%d", s.cfg.Name, s.transcript.Path(), s.transcript.Lines())
}

func closeAll(fs ...*os.File) {
	for _, f := range fs {
		_ = f.Close()
	}
}
