// Package gateway serves the agent over HTTP.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jholhewres/opsclaw/pkg/opsclaw/bus"
	"github.com/jholhewres/opsclaw/pkg/opsclaw/session"
)

// Channel is the session channel used for HTTP messages.
const Channel = "http"

const (
	maxBodyBytes    = 1 << 20
	shutdownTimeout = 10 * time.Second

	// DefaultReplyTimeout bounds how long POST /v1/messages waits for the
	// agent when messages go through the bus.
	DefaultReplyTimeout = 5 * time.Minute

	// maxOutbox is how many undelivered messages are kept per chat.
	maxOutbox = 100
)

var errReplyTimeout = errors.New("timed out waiting for the agent")

// Processor handles one inbound message. *agent.AgentLoop satisfies it.
type Processor interface {
	ProcessMessage(ctx context.Context, msg bus.InboundMessage) (*bus.OutboundMessage, error)
}

// InboundPublisher queues a message for the agent loop. *bus.MessageBus
// satisfies it.
type InboundPublisher interface {
	PublishInbound(ctx context.Context, msg bus.InboundMessage) error
}

// Config configures the server.
type Config struct {
	Addr      string
	AuthToken string

	// MCP is mounted under /mcp when set.
	MCP http.Handler

	// Inbound, when set, routes POST /v1/messages through the bus. The
	// reply arrives through Deliver, which must be subscribed to the
	// "http" channel. Without it the processor is called directly.
	Inbound      InboundPublisher
	ReplyTimeout time.Duration
}

// Server is the HTTP gateway.
type Server struct {
	cfg       Config
	processor Processor
	sessions  *session.Manager
	toolCount func() int
	logger    *slog.Logger
	started   time.Time
	router    chi.Router

	mu      sync.Mutex
	waiters map[string]chan bus.OutboundMessage // inbound ID -> reply
	outbox  map[string][]bus.OutboundMessage    // chat ID -> unclaimed messages
}

// New builds the router. toolCount reports the registry size for /health
// and may be nil. processor may be nil when cfg.Inbound is set.
func New(cfg Config, processor Processor, sessions *session.Manager, toolCount func() int, logger *slog.Logger) *Server {
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = DefaultReplyTimeout
	}
	s := &Server{
		waiters:   make(map[string]chan bus.OutboundMessage),
		outbox:    make(map[string][]bus.OutboundMessage),
		cfg:       cfg,
		processor: processor,
		sessions:  sessions,
		toolCount: toolCount,
		logger:    logger.With("component", "gateway"),
		started:   time.Now(),
	}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", s.health)

	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)

		r.Route("/v1", func(r chi.Router) {
			r.Post("/messages", s.postMessage)
			r.Get("/chats/{chatID}/outbox", s.drainOutbox)
			r.Get("/sessions", s.listSessions)
			r.Get("/sessions/{key}", s.getSession)
			r.Delete("/sessions/{key}", s.deleteSession)
		})

		if s.cfg.MCP != nil {
			r.Mount("/mcp", s.cfg.MCP)
		}
	})
	return r
}

// ListenAndServe serves until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("gateway listening", "addr", ln.Addr().String(), "auth", s.cfg.AuthToken != "")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down gateway: %w", err)
	}
	s.logger.Info("gateway stopped")
	return nil
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
			writeErr(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status":   "ok",
		"uptime_s": int(time.Since(s.started).Seconds()),
	}
	if s.toolCount != nil {
		body["tools"] = s.toolCount()
	}
	writeJSON(w, http.StatusOK, body)
}

type messageRequest struct {
	ChatID   string `json:"chat_id"`
	SenderID string `json:"sender_id"`
	Content  string `json:"content"`
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeErr(w, http.StatusBadRequest, "invalid_request", "content is required")
		return
	}
	if req.ChatID == "" {
		req.ChatID = "default"
	}
	if req.SenderID == "" {
		req.SenderID = "http"
	}

	msg := bus.NewInbound(Channel, req.SenderID, req.ChatID, req.Content)
	var (
		out *bus.OutboundMessage
		err error
	)
	if s.cfg.Inbound != nil {
		out, err = s.awaitReply(r.Context(), msg)
	} else {
		out, err = s.processor.ProcessMessage(r.Context(), msg)
	}
	switch {
	case errors.Is(err, errReplyTimeout):
		writeErr(w, http.StatusGatewayTimeout, "timeout", err.Error())
	case err != nil:
		writeErr(w, http.StatusServiceUnavailable, "cancelled", err.Error())
	default:
		writeJSON(w, http.StatusOK, out)
	}
}

// awaitReply publishes msg and waits for the reply that answers it.
func (s *Server) awaitReply(ctx context.Context, msg bus.InboundMessage) (*bus.OutboundMessage, error) {
	ch := make(chan bus.OutboundMessage, 1)
	s.mu.Lock()
	s.waiters[msg.ID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.waiters, msg.ID)
		s.mu.Unlock()
	}()

	if err := s.cfg.Inbound.PublishInbound(ctx, msg); err != nil {
		return nil, err
	}

	timer := time.NewTimer(s.cfg.ReplyTimeout)
	defer timer.Stop()
	select {
	case out := <-ch:
		return &out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, errReplyTimeout
	}
}

// Deliver is the outbound handler for the "http" channel. A reply goes to
// the requests waiting for it; anything else, such as a message sent with
// the message tool, is kept in the chat's outbox.
func (s *Server) Deliver(_ context.Context, msg bus.OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	answered := false
	for id, ch := range s.waiters {
		if msg.Answers(id) {
			ch <- msg
			delete(s.waiters, id)
			answered = true
		}
	}
	if answered {
		return nil
	}

	box := append(s.outbox[msg.ChatID], msg)
	if len(box) > maxOutbox {
		box = box[len(box)-maxOutbox:]
	}
	s.outbox[msg.ChatID] = box
	return nil
}

func (s *Server) drainOutbox(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	s.mu.Lock()
	msgs := s.outbox[chatID]
	delete(s.outbox, chatID)
	s.mu.Unlock()

	if msgs == nil {
		msgs = []bus.OutboundMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) listSessions(w http.ResponseWriter, _ *http.Request) {
	keys, err := s.sessions.List()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": keys})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Lookup(chi.URLParam(r, "key"))
	if !ok {
		writeErr(w, http.StatusNotFound, "not_found", "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.sessions.Delete(chi.URLParam(r, "key"))
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if !deleted {
		writeErr(w, http.StatusNotFound, "not_found", "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

func writeErr(w http.ResponseWriter, code int, errCode, message string) {
	writeJSON(w, code, map[string]apiError{"error": {Code: errCode, Message: message}})
}
