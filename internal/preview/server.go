package preview

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"
)

const boundary = "framegrabberframe"

// Server exposes a Hub over HTTP.
type Server struct {
	Addr     string // default ":8090"
	Hub      *Hub
	Gatherer prometheus.Gatherer // /metrics; nil disables the endpoint
	// MaxConns caps concurrent connections; live views hold theirs open. 0 means 64.
	MaxConns int
}

// Handler returns the route table:
//
//	GET /stream/{name}    multipart/x-mixed-replace live view
//	GET /snapshot/{name}  latest frame
//	GET /metrics          Prometheus
//	GET /healthz          200 once any stream has a frame, 503 before
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /stream/{name}", s.serveStream)
	mux.HandleFunc("GET /snapshot/{name}", s.serveSnapshot)
	mux.Handle("GET /healthz", s.serveHealth())
	if s.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))
	}
	return logRequests(mux)
}

// Run listens on Addr and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	addr := s.Addr
	if addr == "" {
		addr = ":8090"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("preview listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	limit := s.MaxConns
	if limit <= 0 {
		limit = 64
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	serverErr := make(chan error, 1)
	go func() {
		log.Printf("preview: listening on %s max_conns=%d", ln.Addr(), limit)
		serverErr <- srv.Serve(netutil.LimitListener(ln, limit))
	}()

	select {
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		log.Print("preview: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("preview: shutdown: %v", err)
		}
		<-serverErr
		return nil
	}
}

func (s *Server) serveSnapshot(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	f, format, at, ok := s.Hub.Latest(name)
	if !ok {
		http.Error(w, "no frame yet", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", format.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(f)))
	w.Header().Set("Last-Modified", at.UTC().Format(http.TimeFormat))
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(f)
}

func (s *Server) serveStream(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	frames, cancel := s.Hub.Subscribe(name)
	defer cancel()
	log.Printf("preview: stream=%s viewers=%d", name, s.Hub.Subscribers(name))

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+boundary)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case f := <-frames:
			_, format, _, _ := s.Hub.Latest(name)
			if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: %s\r\nContent-Length: %d\r\n\r\n", boundary, format.ContentType, len(f)); err != nil {
				return
			}
			if _, err := w.Write(f); err != nil {
				return
			}
			if _, err := w.Write([]byte("\r\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// serveHealth returns 200 {"status":"ok",...} once any stream has published, 503
// {"status":"waiting"} before.
func (s *Server) serveHealth() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		streams := s.Hub.Streams()
		w.Header().Set("Content-Type", "application/json")
		if len(streams) == 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"waiting"}`))
			return
		}
		ages := make(map[string]string, len(streams))
		for _, name := range streams {
			if _, _, at, ok := s.Hub.Latest(name); ok {
				ages[name] = at.UTC().Format(time.RFC3339)
			}
		}
		body, _ := json.Marshal(map[string]any{
			"status":  "ok",
			"streams": ages,
		})
		_, _ = w.Write(body)
	})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingResponseWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += n
	return n, err
}

func (w *loggingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(lw, r)
		status := lw.status
		if status == 0 {
			status = http.StatusOK
		}
		log.Printf("http: %s %s status=%d bytes=%d dur=%s remote=%s",
			r.Method, r.URL.Path, status, lw.bytes, time.Since(start).Round(time.Millisecond), r.RemoteAddr)
	})
}
