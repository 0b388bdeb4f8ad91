package supervisor

import (
	"context"
	"io"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/snapetech/framegrabber/internal/diag"
	"github.com/snapetech/framegrabber/internal/metrics"
	"github.com/snapetech/framegrabber/internal/registry"
)

func requireShell(t *testing.T) string {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("process tests need /proc")
	}
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return sh
}

func shConfig(sh, script string) Config {
	return Config{
		Name:            "test",
		Kind:            registry.KindCapture,
		Path:            sh,
		Args:            []string{"-c", script},
		LivenessTimeout: time.Hour,
		Tick:            10 * time.Millisecond,
		PollInterval:    10 * time.Millisecond,
		PollAttempts:    5,
	}
}

// waitEngine blocks until the shell has exec'd into the engine.
func waitEngine(t *testing.T, reg *registry.Registry, pid int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !reg.IsEngine(pid) {
		if time.Now().After(deadline) {
			t.Fatalf("pid %d never became %s", pid, reg.Engine())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type failRecorder struct {
	mu   sync.Mutex
	msgs []string
	ch   chan string
}

func newFailRecorder() *failRecorder { return &failRecorder{ch: make(chan string, 8)} }

func (f *failRecorder) fn(msg string) {
	f.mu.Lock()
	f.msgs = append(f.msgs, msg)
	f.mu.Unlock()
	f.ch <- msg
}

func (f *failRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func (f *failRecorder) wait(t *testing.T, d time.Duration) string {
	t.Helper()
	select {
	case msg := <-f.ch:
		return msg
	case <-time.After(d):
		t.Fatalf("no stream failure within %s", d)
		return ""
	}
}

func TestPrefixFailure(t *testing.T) {
	fn := PrefixFailure("rtsp://cam.local/s1: ")
	msg, ok := fn("rtsp://cam.local/s1: Server returned 401")
	if !ok || msg != "Server returned 401" {
		t.Fatalf("got %q,%t", msg, ok)
	}
	if _, ok := fn("frame=  25 fps=5.0 q=2.0"); ok {
		t.Fatal("advisory line treated as failure")
	}
	if _, ok := PrefixFailure("")("anything"); ok {
		t.Fatal("empty prefix must never match")
	}
}

func TestTick_reachesThresholdAfterFiftyTicks(t *testing.T) {
	s := New(Config{LivenessTimeout: 5000 * time.Millisecond, Tick: 100 * time.Millisecond}, nil, Callbacks{})
	for i := 1; i < 50; i++ {
		if s.tick() {
			t.Fatalf("threshold reached early at tick %d", i)
		}
	}
	if !s.tick() {
		t.Fatal("threshold not reached at tick 50")
	}
	s.ReportLiveness()
	if s.Liveness() != 0 {
		t.Fatalf("liveness=%s after reset", s.Liveness())
	}
	if s.tick() {
		t.Fatal("reset did not restart the count")
	}
}

func TestStart_sourceFailureStripsPrefix(t *testing.T) {
	sh := requireShell(t)
	rec := newFailRecorder()
	cfg := shConfig(sh, `echo "rtsp://cam: Server returned 401" 1>&2; exec sleep 5`)
	cfg.FailurePrefix = "rtsp://cam: "
	reg := registry.New("sleep")
	s := New(cfg, reg, Callbacks{OnStreamFail: rec.fn})
	if _, err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Dispose()

	if msg := rec.wait(t, 5*time.Second); msg != "Server returned 401" {
		t.Fatalf("msg=%q", msg)
	}
	se, ok := s.Err().(*StreamError)
	if !ok || se.Reason != "source" {
		t.Fatalf("Err()=%v", s.Err())
	}
	s.Dispose()
	if reg.Len(registry.KindCapture) != 0 {
		t.Fatalf("registry still holds %v", reg.PIDs(registry.KindCapture))
	}
	if rec.count() != 1 {
		t.Fatalf("failures=%d want 1", rec.count())
	}
}

func TestStart_livenessTimeoutFiresOnce(t *testing.T) {
	sh := requireShell(t)
	rec := newFailRecorder()
	cfg := shConfig(sh, `exec sleep 5`)
	cfg.LivenessTimeout = 200 * time.Millisecond
	s := New(cfg, registry.New("sleep"), Callbacks{OnStreamFail: rec.fn})
	if _, err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Dispose()

	if msg := rec.wait(t, 5*time.Second); msg != StreamTimeout {
		t.Fatalf("msg=%q want %q", msg, StreamTimeout)
	}
	time.Sleep(300 * time.Millisecond)
	if rec.count() != 1 {
		t.Fatalf("timeout fired %d times", rec.count())
	}
}

func TestStart_diagnosticsKeepAlive(t *testing.T) {
	sh := requireShell(t)
	rec := newFailRecorder()
	var lines atomic.Int32
	cfg := shConfig(sh, `while :; do echo "frame= 1" 1>&2; sleep 0.05; done`)
	cfg.LivenessTimeout = 400 * time.Millisecond
	cfg.ResetOn = ResetOnDiagnostic
	s := New(cfg, registry.New("sh"), Callbacks{
		OnStreamFail: rec.fn,
		OnDiagnostic: func(string) { lines.Add(1) },
	})
	if _, err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(time.Second)
	s.Dispose()
	if rec.count() != 0 {
		t.Fatalf("unexpected failure %q", rec.msgs)
	}
	if lines.Load() == 0 {
		t.Fatal("no diagnostics delivered")
	}
}

func TestStart_completionOnZeroExit(t *testing.T) {
	sh := requireShell(t)
	ends := make(chan string, 2)
	cfg := shConfig(sh, `exit 0`)
	cfg.Kind = registry.KindConvert
	cfg.CompleteOnExit = true
	cfg.OutputPath = "/tmp/out.mp4"
	s := New(cfg, nil, Callbacks{OnStreamEnd: func(p string) { ends <- p }})
	if _, err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case p := <-ends:
		if p != "/tmp/out.mp4" {
			t.Fatalf("end path=%q", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no completion callback")
	}
	s.Dispose()
	if s.ExitCode() != 0 {
		t.Fatalf("exit=%d", s.ExitCode())
	}
	if len(ends) != 0 {
		t.Fatal("completion fired more than once")
	}
}

func TestStart_nonzeroExitIsNotCompletion(t *testing.T) {
	sh := requireShell(t)
	ended := make(chan string, 1)
	cfg := shConfig(sh, `exit 3`)
	cfg.CompleteOnExit = true
	s := New(cfg, nil, Callbacks{OnStreamEnd: func(p string) { ended <- p }})
	if _, err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-s.Exited()
	s.Dispose()
	if s.ExitCode() != 3 {
		t.Fatalf("exit=%d want 3", s.ExitCode())
	}
	select {
	case <-ended:
		t.Fatal("nonzero exit reported as completion")
	default:
	}
}

func TestStart_stdoutIsEngineOutput(t *testing.T) {
	sh := requireShell(t)
	s := New(shConfig(sh, `printf 'hello'`), nil, Callbacks{})
	out, err := s.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	b, _ := io.ReadAll(out)
	s.Dispose()
	if string(b) != "hello" {
		t.Fatalf("stdout=%q", b)
	}
}

func TestStart_twiceAndMissingPath(t *testing.T) {
	sh := requireShell(t)
	s := New(shConfig(sh, `exit 0`), nil, Callbacks{})
	if _, err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Start(context.Background()); err != ErrStarted {
		t.Fatalf("second Start err=%v want ErrStarted", err)
	}
	s.Dispose()

	if _, err := New(Config{}, nil, Callbacks{}).Start(context.Background()); err == nil {
		t.Fatal("expected error for missing path")
	}
}

type countingJournal struct {
	mu      sync.Mutex
	forgets int
}

func (j *countingJournal) RecordProcess(string, int) error { return nil }
func (j *countingJournal) ForgetProcess(string, int) error {
	j.mu.Lock()
	j.forgets++
	j.mu.Unlock()
	return nil
}

func TestDispose_idempotentAndConcurrent(t *testing.T) {
	sh := requireShell(t)
	j := &countingJournal{}
	reg := registry.New("sleep", registry.WithJournal(j))
	m := metrics.New(prometheus.NewRegistry())
	s := New(shConfig(sh, `exec sleep 30`), reg, Callbacks{}, WithMetrics(m))
	if _, err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !reg.Contains(registry.KindCapture, s.PID()) {
		t.Fatal("pid not registered on start")
	}
	waitEngine(t, reg, s.PID())

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Dispose()
		}()
	}
	wg.Wait()
	s.Dispose()

	select {
	case <-s.Exited():
	default:
		t.Fatal("engine still running after dispose")
	}
	if reg.Len(registry.KindCapture) != 0 {
		t.Fatal("registry record survived dispose")
	}
	if j.forgets != 1 {
		t.Fatalf("registry removals=%d want 1", j.forgets)
	}
	if got := testutil.ToFloat64(m.ForcedKills.WithLabelValues("capture")); got != 1 {
		t.Fatalf("forced kills=%v want 1 (sleep ignores quit)", got)
	}
}

func TestDispose_gracefulQuit(t *testing.T) {
	sh := requireShell(t)
	m := metrics.New(prometheus.NewRegistry())
	s := New(shConfig(sh, `read line; [ "$line" = q ] && exit 0; exit 1`), registry.New("sh"), Callbacks{}, WithMetrics(m))
	if _, err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.Dispose()
	if s.ExitCode() != 0 {
		t.Fatalf("exit=%d want 0 after quit line", s.ExitCode())
	}
	if got := testutil.ToFloat64(m.ForcedKills.WithLabelValues("capture")); got != 0 {
		t.Fatalf("forced kills=%v want 0", got)
	}
}

func TestDispose_beforeStart(t *testing.T) {
	s := New(Config{Path: "ffmpeg"}, nil, Callbacks{})
	s.Dispose()
	s.Dispose()
}

func TestScanCRLF(t *testing.T) {
	sc := newLineScanner(strings.NewReader("Input #0\rframe=1\rframe=2\nlast"))
	var got []string
	for sc.Scan() {
		got = append(got, sc.Text())
	}
	want := []string{"Input #0", "frame=1", "frame=2", "last"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("lines=%q want %q", got, want)
	}
}

func TestMergedEnvDropsOwnSettings(t *testing.T) {
	base := []string{
		"A=1",
		"FRAMEGRABBER_SOURCE=rtsp://u:p@cam/s",
		"TZ=UTC",
	}
	out := mergedEnv(base, map[string]string{"TZ": "America/Regina", "B": "2"})
	got := map[string]string{}
	for _, kv := range out {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			got[k] = v
		}
	}
	if _, ok := got["FRAMEGRABBER_SOURCE"]; ok {
		t.Fatalf("own settings leaked to engine: %+v", got)
	}
	if got["A"] != "1" || got["B"] != "2" || got["TZ"] != "America/Regina" {
		t.Fatalf("unexpected merged env: %+v", got)
	}
}

func TestDispose_fromOnStreamFail(t *testing.T) {
	sh := requireShell(t)
	reg := registry.New("sleep")
	cfg := shConfig(sh, `exec sleep 30`)
	cfg.LivenessTimeout = 100 * time.Millisecond
	returned := make(chan struct{})
	var s *Supervisor
	s = New(cfg, reg, Callbacks{OnStreamFail: func(string) {
		s.Dispose()
		close(returned)
	}})
	if _, err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitEngine(t, reg, s.PID())

	select {
	case <-returned:
	case <-time.After(5 * time.Second):
		t.Fatal("Dispose inside OnStreamFail did not return")
	}
	if reg.Len(registry.KindCapture) != 0 {
		t.Fatalf("registry still holds %v", reg.PIDs(registry.KindCapture))
	}
	select {
	case <-s.Exited():
	default:
		t.Fatal("engine still running after dispose")
	}

	done := make(chan struct{})
	go func() {
		s.Dispose()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("second Dispose did not return after the detectors were joined")
	}
}

func TestStart_overlongDiagnosticLineKeepsDraining(t *testing.T) {
	sh := requireShell(t)
	ended := make(chan string, 1)
	cfg := shConfig(sh, `head -c 2097152 /dev/zero | tr '\0' x >&2; exit 0`)
	cfg.CompleteOnExit = true
	cfg.OutputPath = "out.mp4"
	s := New(cfg, nil, Callbacks{OnStreamEnd: func(p string) { ended <- p }})
	if _, err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Dispose()

	select {
	case p := <-ended:
		if p != "out.mp4" {
			t.Fatalf("output=%q", p)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("engine blocked writing an overlong stderr line")
	}
}

func TestWithLimiter_countsDroppedLines(t *testing.T) {
	sh := requireShell(t)
	l := diag.NewLimiter("test engine:", time.Hour, 1)
	s := New(shConfig(sh, `echo one >&2; echo two >&2; echo three >&2`), nil, Callbacks{}, WithLimiter(l))
	if _, err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Dispose()
	deadline := time.Now().Add(5 * time.Second)
	for l.Suppressed() != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("suppressed=%d want 2", l.Suppressed())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
