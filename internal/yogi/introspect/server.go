package introspect

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"yogi-branch/internal/yogi/branch"
	"yogi-branch/internal/yogi/wire"
)

// SampleInterval is how often the background sampler refreshes the
// connected-branch gauge and the goroutine gauge.
const SampleInterval = 5 * time.Second

// Server exposes a branch's liveness, Prometheus metrics, and connected-peer
// snapshot over HTTP, routed with chi.
type Server struct {
	mgr     *branch.Manager
	bcast   *branch.BroadcastManager
	metrics *Metrics
	log     *logrus.Entry
	router  chi.Router

	httpSrv  *http.Server
	stopSamp chan struct{}
}

// SetBroadcaster wires bm into the server, enabling POST /broadcast. Must be
// called before Start.
func (s *Server) SetBroadcaster(bm *branch.BroadcastManager) {
	s.bcast = bm
	s.router.Post("/broadcast", s.handleBroadcast)
}

type broadcastRequest struct {
	Payload  json.RawMessage `json:"payload"`
	Retry    bool            `json:"retry"`
	Encoding string          `json:"encoding"`
}

// handleBroadcast fans a JSON- or MessagePack-encoded payload out across
// every running session and responds once the fan-out completes (or the
// request's context is canceled).
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	if s.bcast == nil {
		http.Error(w, "broadcasting is not enabled", http.StatusServiceUnavailable)
		return
	}
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	enc := wire.EncodingJSON
	if req.Encoding == "msgpack" {
		enc = wire.EncodingMsgPack
	}

	done := make(chan error, 1)
	oid, err := s.bcast.SendBroadcastAsync(enc, req.Payload, req.Retry, func(sendErr error, _ int64) {
		done <- sendErr
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	select {
	case sendErr := <-done:
		if sendErr != nil {
			s.metrics.ObserveBroadcastOutcome(OutcomeFailed)
			http.Error(w, sendErr.Error(), http.StatusConflict)
			return
		}
		s.metrics.ObserveBroadcastOutcome(OutcomeSuccess)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int64{"oid": oid})
	case <-r.Context().Done():
		s.bcast.CancelSendBroadcast(oid)
		s.metrics.ObserveBroadcastOutcome(OutcomeCanceled)
		http.Error(w, r.Context().Err().Error(), http.StatusRequestTimeout)
	}
}

// NewServer builds a Server backed by mgr's connected-branch view and m's
// collectors. log may be nil, in which case a discarding logger is used.
func NewServer(mgr *branch.Manager, m *Metrics, log *logrus.Entry) *Server {
	if log == nil {
		logger := logrus.New()
		logger.SetOutput(io.Discard)
		log = logrus.NewEntry(logger)
	}

	s := &Server{mgr: mgr, metrics: m, log: log}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(log))
	r.Get("/healthz", s.handleHealthz)
	r.Get("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}).ServeHTTP)
	r.Get("/branches", s.handleBranches)
	s.router = r

	return s
}

// requestLogger logs each request's method, path, and duration through
// structured logrus fields.
func requestLogger(log *logrus.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"duration": time.Since(start).String(),
			}).Info("introspect request")
		})
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleBranches(w http.ResponseWriter, r *http.Request) {
	branches := s.mgr.ConnectedBranches()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(branches); err != nil {
		s.log.WithError(err).Error("encode connected branches")
	}
}

// Start begins serving on addr and starts the background sampler that keeps
// the connected-branch and goroutine gauges current. It returns immediately;
// errors from the listener are logged rather than returned.
func (s *Server) Start(addr string) {
	s.stopSamp = make(chan struct{})
	go runSampler(s.metrics, func() int { return len(s.mgr.ConnectedBranches()) }, SampleInterval, s.stopSamp)

	s.httpSrv = &http.Server{Addr: addr, Handler: s.router}
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("introspect server stopped")
		}
	}()
}

// Shutdown stops the background sampler and gracefully closes the HTTP
// server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.stopSamp != nil {
		close(s.stopSamp)
	}
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
