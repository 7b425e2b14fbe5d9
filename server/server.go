// Package server accepts host runtime events over a websocket, feeds them
// to auto-capture and reports readiness over HTTP and gRPC health.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/becomeliminal/codemem/capture"
	"github.com/becomeliminal/codemem/logging"
	"github.com/becomeliminal/codemem/memory"
	"github.com/becomeliminal/codemem/userprofile"
)

// Warmer is the engine lifecycle the server waits on.
type Warmer interface {
	Warmup(ctx context.Context) error
	IsWarmedUp() bool
}

// Config wires a Server.
type Config struct {
	// Addr serves /ws and /health.
	Addr string

	// HealthAddr serves gRPC health. Empty disables it.
	HealthAddr string

	Engine  Warmer
	Capture *capture.Service
	Hub     *Hub

	// Learner updates user profiles when a session ends. Optional.
	Learner *userprofile.Learner

	// WarmupRetry is the delay between failed warm-ups. Default 5s.
	WarmupRetry time.Duration
}

// maxProfileMessages bounds the user messages kept per session for profile
// learning.
const maxProfileMessages = 50

type session struct {
	tags     capture.Tags
	userID   string
	messages []string
}

// Server is the host-facing event endpoint.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
	health   *health.Server

	mu       sync.Mutex
	sessions map[string]*session

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil || cfg.Capture == nil {
		return nil, goerr.New("server needs an engine and a capture service")
	}
	if cfg.Hub == nil {
		cfg.Hub = NewHub()
	}
	if cfg.WarmupRetry <= 0 {
		cfg.WarmupRetry = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			// Hosts connect from localhost tooling, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		health:   health.NewServer(),
		sessions: make(map[string]*session),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return s, nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWS)
	return mux
}

// Run serves until ctx is done, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	logger := logging.Component(ctx, "server")
	s.ctx = logging.With(s.ctx, logging.From(ctx))

	lis, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return goerr.Wrap(err, "failed to listen", goerr.V("addr", s.cfg.Addr))
	}
	httpSrv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 2)
	go func() {
		logger.Info("listening", "addr", lis.Addr().String())
		if err := httpSrv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- goerr.Wrap(err, "http server failed")
		}
	}()

	var grpcSrv *grpc.Server
	if s.cfg.HealthAddr != "" {
		hlis, err := net.Listen("tcp", s.cfg.HealthAddr)
		if err != nil {
			_ = httpSrv.Close()
			return goerr.Wrap(err, "failed to listen", goerr.V("addr", s.cfg.HealthAddr))
		}
		grpcSrv = grpc.NewServer()
		go func() {
			logger.Info("health listening", "addr", hlis.Addr().String())
			if err := s.ServeHealth(grpcSrv, hlis); err != nil {
				errc <- goerr.Wrap(err, "grpc health server failed")
			}
		}()
	}

	go s.Warm(ctx)

	select {
	case <-ctx.Done():
	case err = <-errc:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	if grpcSrv != nil {
		s.health.Shutdown()
		grpcSrv.GracefulStop()
	}
	s.Close()
	return err
}

// ServeHealth registers the health service on gs and serves lis.
func (s *Server) ServeHealth(gs *grpc.Server, lis net.Listener) error {
	healthpb.RegisterHealthServer(gs, s.health)
	return gs.Serve(lis)
}

// Warm retries engine warm-up until it succeeds or ctx is done, then marks
// the server as serving.
func (s *Server) Warm(ctx context.Context) {
	logger := logging.Component(ctx, "server")
	for {
		err := s.cfg.Engine.Warmup(ctx)
		if err == nil {
			s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
			logger.Info("engine ready")
			return
		}
		logger.Warn("engine warm-up failed", "error", err, "retry", s.cfg.WarmupRetry)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.WarmupRetry):
		}
	}
}

// Close stops background work started by events and waits for it.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

type healthStatus struct {
	Status         string `json:"status"`
	WarmedUp       bool   `json:"warmedUp"`
	CaptureEnabled bool   `json:"captureEnabled"`
	Sessions       int    `json:"sessions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	warm := s.cfg.Engine.IsWarmedUp()
	body := healthStatus{
		Status:         "starting",
		WarmedUp:       warm,
		CaptureEnabled: s.cfg.Capture.Buffers().Enabled(),
		Sessions:       s.cfg.Capture.Buffers().Sessions(),
	}
	code := http.StatusServiceUnavailable
	if warm {
		body.Status = "ok"
		code = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	logger := logging.Component(s.ctx, "server")
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := newConn(ws)
	defer func() {
		s.forget(s.cfg.Hub.release(c))
		_ = ws.Close()
	}()

	logger.Debug("host connected", "remote", r.RemoteAddr)
	for {
		var ev Event
		if err := ws.ReadJSON(&ev); err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				logger.Debug("host read failed", "error", err)
			}
			return
		}
		s.dispatch(c, ev)
	}
}

// dispatch handles one event. Work that may prompt the host runs in the
// background so the read loop keeps delivering prompt replies.
func (s *Server) dispatch(c *conn, ev Event) {
	if ev.Type == EventPromptReply {
		if !c.resolve(ev) {
			logging.Component(s.ctx, "server").Debug("late prompt reply", "request", ev.RequestID)
		}
		return
	}
	if ev.SessionID == "" {
		_ = c.send(Frame{Type: FrameError, Error: "sessionId is required"})
		return
	}

	s.cfg.Hub.bind(ev.SessionID, c)
	sess := s.session(ev)
	buffers := s.cfg.Capture.Buffers()

	switch ev.Type {
	case EventMessage:
		buffers.AddMessage(ev.SessionID, ev.Role, ev.Content)
		if ev.Role == "user" && ev.Content != "" {
			s.remember(sess, ev.Content)
		}
	case EventTool:
		buffers.AddTool(ev.SessionID, ev.Tool, ev.Args, ev.Result)
	case EventFileEdit:
		buffers.OnFileEdit(ev.SessionID, ev.Path)
	case EventIdle:
		tags := s.tags(sess)
		s.background(func(ctx context.Context) {
			s.cfg.Capture.HandleIdle(ctx, ev.SessionID, tags)
		})
	case EventCaptureNow:
		tags := s.tags(sess)
		s.background(func(ctx context.Context) {
			s.cfg.Capture.ForceCapture(ctx, ev.SessionID, tags)
		})
	case EventSessionEnd:
		s.background(func(ctx context.Context) {
			s.endSession(ctx, ev.SessionID)
		})
	default:
		_ = c.send(Frame{Type: FrameError, SessionID: ev.SessionID, Error: "unknown event type " + string(ev.Type)})
	}
}

func (s *Server) background(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

func (s *Server) session(ev Event) *session {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[ev.SessionID]
	if !ok {
		sess = &session{}
		s.sessions[ev.SessionID] = sess
	}
	if ev.UserEmail != "" && sess.tags.User == "" {
		sess.tags.User = memory.UserTag(ev.UserEmail)
		sess.userID = sess.tags.User
	}
	switch {
	case ev.Tag != "":
		sess.tags.Project = ev.Tag
	case ev.ProjectPath != "" && sess.tags.Project == "":
		sess.tags.Project = memory.ProjectTag(ev.ProjectPath)
	}
	return sess
}

// forget drops the per-session state of a disconnected host.
func (s *Server) forget(sessionIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sid := range sessionIDs {
		delete(s.sessions, sid)
	}
}

// Sessions returns the number of sessions with server-side state.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) tags(sess *session) capture.Tags {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sess.tags
}

func (s *Server) remember(sess *session, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess.messages = append(sess.messages, message)
	if len(sess.messages) > maxProfileMessages {
		sess.messages = sess.messages[len(sess.messages)-maxProfileMessages:]
	}
}

// endSession flushes the buffer, learns from the user's messages and
// forgets the session.
func (s *Server) endSession(ctx context.Context, sessionID string) {
	logger := logging.Component(ctx, "server").With("session", sessionID)

	s.mu.Lock()
	sess := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	if sess == nil {
		sess = &session{}
	}

	if snap, ok := s.cfg.Capture.Buffers().Snapshot(sessionID); ok && !snap.Empty() {
		s.cfg.Capture.ForceCapture(ctx, sessionID, sess.tags)
	}

	if s.cfg.Learner != nil && sess.userID != "" {
		if _, err := s.cfg.Learner.Analyze(ctx, sess.userID, sess.messages); err != nil {
			if errors.Is(err, userprofile.ErrTooFewMessages) {
				logger.Debug("profile analysis skipped", "messages", len(sess.messages))
			} else {
				logger.Warn("profile analysis failed", "error", err)
			}
		}
	}

	s.cfg.Capture.EndSession(sessionID)
	s.cfg.Hub.unbind(sessionID)
}
