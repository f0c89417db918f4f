package mcp

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// SSETransport serves MCP over HTTP: clients hold an SSE stream open and
// post requests to the message endpoint it announces.
type SSETransport struct {
	server   *Server
	basePath string
	logger   *slog.Logger
	sessions sync.Map // sessionID -> *sseSession
}

type sseSession struct {
	id    string
	msgCh chan []byte
}

// NewSSETransport wraps server. basePath is the prefix the handler is
// mounted under, e.g. "/mcp".
func NewSSETransport(server *Server, basePath string, logger *slog.Logger) *SSETransport {
	return &SSETransport{
		server:   server,
		basePath: strings.TrimSuffix(basePath, "/"),
		logger:   logger.With("component", "mcp_sse"),
	}
}

// Handler returns the routes:
//
//	GET  /sse                   opens the event stream
//	POST /message?sessionId=X   delivers one JSON-RPC request
func (t *SSETransport) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/sse", t.handleSSE)
	r.Post("/message", t.handleMessage)
	return r
}

func (t *SSETransport) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	sess := &sseSession{
		id:    uuid.NewString(),
		msgCh: make(chan []byte, 64),
	}
	t.sessions.Store(sess.id, sess)
	defer t.sessions.Delete(sess.id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	fmt.Fprintf(w, "event: endpoint\ndata: %s/message?sessionId=%s\n\n", t.basePath, sess.id)
	flusher.Flush()

	t.logger.Info("MCP SSE client connected", "session_id", sess.id)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("MCP SSE client disconnected", "session_id", sess.id)
			return
		case msg := <-sess.msgCh:
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg)
			flusher.Flush()
		}
	}
}

func (t *SSETransport) handleMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		http.Error(w, "sessionId required", http.StatusBadRequest)
		return
	}

	raw, ok := t.sessions.Load(sessionID)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	sess := raw.(*sseSession)

	var req jsonRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON-RPC request", http.StatusBadRequest)
		return
	}

	if resp := t.server.handleRequest(r.Context(), &req); resp != nil {
		data, err := json.Marshal(resp)
		if err != nil {
			http.Error(w, "encoding response", http.StatusInternalServerError)
			return
		}
		select {
		case sess.msgCh <- data:
		default:
			t.logger.Warn("MCP SSE session buffer full", "session_id", sessionID)
		}
	}

	w.WriteHeader(http.StatusAccepted)
}
