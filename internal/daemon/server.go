package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/covehq/cove/internal/netmon"
	"github.com/covehq/cove/internal/session"
	"github.com/covehq/cove/internal/status"
	"github.com/covehq/cove/internal/store"
	"github.com/covehq/cove/internal/stream"
	intsync "github.com/covehq/cove/internal/sync"
)

// Server serves the control API over the profile's Unix domain socket.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger
}

// NewServer creates a control server bound to the profile's socket.
func NewServer(
	p Params,
	logger *zap.Logger,
	db *store.DB,
	machine *status.Machine,
	monitor *netmon.Monitor,
	engine *intsync.Engine,
	pipeline *stream.Pipeline,
) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = session.SocketPath(p.ProfileName)
	}

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	h := &handlers{
		profile:  p.ProfileName,
		db:       db,
		machine:  machine,
		monitor:  monitor,
		engine:   engine,
		pipeline: pipeline,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sync", h.triggerSync)
	mux.HandleFunc("GET /v1/status", h.getStatus)
	mux.HandleFunc("POST /v1/chat", h.beginChat)
	mux.HandleFunc("DELETE /v1/chat", h.cancelChat)

	return &Server{
		httpServer: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
	}, nil
}

// Start begins serving control requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("control server starting", zap.String("socket", s.socketPath))
	err := s.httpServer.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop performs a graceful shutdown and removes the socket file.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("control server stopping")
	_ = s.httpServer.Shutdown(ctx)
	_ = os.Remove(s.socketPath)
}

type handlers struct {
	profile  string
	db       *store.DB
	machine  *status.Machine
	monitor  *netmon.Monitor
	engine   *intsync.Engine
	pipeline *stream.Pipeline
	logger   *zap.Logger
}

func (h *handlers) triggerSync(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "sync is not configured")
		return
	}
	h.engine.Trigger()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

func (h *handlers) getStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := h.db.CountDirty()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	pending := make(map[string]int, len(counts))
	for t, n := range counts {
		pending[string(t)] = n
	}

	start, end, lastErr := h.machine.LastCycle()
	report := status.Report{
		Profile:        h.profile,
		PID:            os.Getpid(),
		SyncState:      h.machine.Current(),
		Reachable:      h.monitor.Reachable(),
		PendingPush:    pending,
		LastCycleStart: start,
		LastCycleEnd:   end,
		LastError:      lastErr,
	}
	if h.pipeline != nil {
		report.ActiveStreams = h.pipeline.Active()
	}
	writeJSON(w, http.StatusOK, report)
}

type chatRequest struct {
	ConversationID string `json:"conversation_id"`
	Prompt         string `json:"prompt"`
}

func (h *handlers) beginChat(w http.ResponseWriter, r *http.Request) {
	if h.pipeline == nil {
		writeError(w, http.StatusServiceUnavailable, "streaming is not configured")
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ConversationID == "" || req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "conversation_id and prompt are required")
		return
	}

	s, err := h.pipeline.Begin(context.Background(), req.ConversationID, req.Prompt)
	if err != nil {
		if errors.Is(err, stream.ErrStreamActive) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"message_id": s.MessageID,
		"state":      string(s.State()),
	})
}

func (h *handlers) cancelChat(w http.ResponseWriter, r *http.Request) {
	if h.pipeline == nil {
		writeError(w, http.StatusServiceUnavailable, "streaming is not configured")
		return
	}
	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		writeError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}
	if err := h.pipeline.Cancel(conversationID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
