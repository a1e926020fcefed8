package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/park285/chess-engine-bridge/internal/metrics"
	"github.com/park285/chess-engine-bridge/internal/registry"
)

type Options struct {
	WSPath         string
	ReadLimit      int64
	AllowedOrigins []string
	SessionTTL     time.Duration

	Supervisor *Supervisor
	Registry   registry.Store
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// Server accepts websocket clients and bridges each to its own engine.
type Server struct {
	opts   Options
	router *httprouter.Router
	log    *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closing  bool
	wg       sync.WaitGroup
}

func NewServer(opts Options) *Server {
	if opts.WSPath == "" {
		opts.WSPath = "/ws"
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 1 << 20
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Registry == nil {
		opts.Registry = registry.NewMemoryStore()
	}

	s := &Server{
		opts:     opts,
		log:      opts.Logger,
		sessions: make(map[string]*Session),
	}

	r := httprouter.New()
	r.GET(opts.WSPath, s.handleBridge)
	r.GET("/healthz", s.handleHealth)
	r.GET("/sessions", s.handleSessions)
	if opts.Metrics != nil {
		r.Handler(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) acceptOptions() *websocket.AcceptOptions {
	ao := &websocket.AcceptOptions{CompressionMode: websocket.CompressionContextTakeover}
	for _, o := range s.opts.AllowedOrigins {
		if o == "*" {
			ao.InsecureSkipVerify = true
			return ao
		}
	}
	ao.OriginPatterns = s.opts.AllowedOrigins
	return ao
}

func (s *Server) handleBridge(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	conn, err := websocket.Accept(w, r, s.acceptOptions())
	if err != nil {
		s.log.Debug("ws_accept_failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(s.opts.ReadLimit)

	id := uuid.NewString()
	sess := &Session{
		ID:         id,
		RemoteAddr: r.RemoteAddr,
		StartedAt:  time.Now(),
		conn:       conn,
		sup:        s.opts.Supervisor,
		reg:        s.opts.Registry,
		metrics:    s.opts.Metrics,
		log:        s.log.With(zap.String("session_id", id)),
		touchDur:   s.opts.SessionTTL / 2,
	}

	s.track(sess)
	defer s.untrack(sess)
	s.opts.Metrics.SessionOpened()
	defer s.opts.Metrics.SessionClosed(sess.StartedAt)

	sess.log.Info("session_open", zap.String("remote", r.RemoteAddr))
	// the request context ends when the handler returns, not with the socket
	sess.run(context.WithoutCancel(r.Context()))
	sess.log.Info("session_closed",
		zap.Duration("duration", time.Since(sess.StartedAt)),
		zap.Int64("commands", sess.commands.Load()),
		zap.Int64("messages", sess.messages.Load()))
}

type healthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Sessions: s.ActiveSessions()})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	recs, err := s.opts.Registry.List(r.Context())
	if err != nil {
		s.log.Warn("registry_list_failed", zap.Error(err))
		http.Error(w, "registry unavailable", http.StatusServiceUnavailable)
		return
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].StartedAt.Before(recs[j].StartedAt) })
	if recs == nil {
		recs = []registry.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) track(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
}

func (s *Server) untrack(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess.ID)
}

func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Shutdown refuses new sessions, closes live ones and waits for their
// engines to exit or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	live := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.Unlock()

	for _, sess := range live {
		sess.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
