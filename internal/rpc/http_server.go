package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/engramkit/engram/internal/types"
)

const servicePrefix = "/engram.v1.ToolService/"

// maxRequestBytes bounds request bodies; remember content tops out at 4 MiB
// so the envelope fits comfortably.
const maxRequestBytes = 8 << 20

// HTTPServer exposes the dispatcher over HTTP.
type HTTPServer struct {
	rpc        *Server
	httpServer *http.Server
	listener   net.Listener
	addr       string
	token      string
	mu         sync.RWMutex
}

// NewHTTPServer wraps a dispatcher. An empty token disables authentication.
func NewHTTPServer(rpc *Server, addr, token string) *HTTPServer {
	return &HTTPServer{rpc: rpc, addr: addr, token: token}
}

// Handler builds the route table. Health endpoints skip auth.
func (h *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/readyz", h.handleReadiness)
	mux.HandleFunc(servicePrefix, h.handleRPC)
	return mux
}

// Start listens and serves until ctx is cancelled.
func (h *HTTPServer) Start(ctx context.Context) error {
	h.httpServer = &http.Server{
		Handler:      h.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	listener, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", h.addr, err)
	}
	h.mu.Lock()
	h.listener = listener
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.httpServer.Shutdown(shutdownCtx)
	}()

	if err := h.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Addr reports the bound address once listening.
func (h *HTTPServer) Addr() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.listener != nil {
		return h.listener.Addr().String()
	}
	return h.addr
}

func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	health := h.rpc.health(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if health.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(health)
}

func (h *HTTPServer) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	health := h.rpc.health(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if health.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "not ready", "reason": health.Error})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// handleRPC serves POST /engram.v1.ToolService/{Method}.
func (h *HTTPServer) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.authorized(r) {
		h.writeEnvelope(w, http.StatusUnauthorized, errResponse(
			types.NewToolError(types.KindInvalidInput, "missing or invalid bearer token")))
		return
	}

	method := strings.TrimPrefix(r.URL.Path, servicePrefix)
	operation := methodToOperation(method)
	if operation == "" {
		h.writeEnvelope(w, http.StatusNotFound, errResponse(
			types.NotFoundf("unknown method %q", method)))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		h.writeEnvelope(w, http.StatusBadRequest, errResponse(
			types.Invalidf("read request body: %v", err)))
		return
	}

	req := &Request{
		Operation:     operation,
		Args:          body,
		RequestID:     r.Header.Get("X-Request-ID"),
		ClientVersion: r.Header.Get("X-Client-Version"),
	}
	resp := h.rpc.handleRequest(r.Context(), req)

	status := http.StatusOK
	if !resp.Success {
		status = httpStatusFor(resp.Error.Kind)
	}
	h.writeEnvelope(w, status, resp)
}

func (h *HTTPServer) authorized(r *http.Request) bool {
	if h.token == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return false
	}
	return strings.TrimPrefix(auth, "Bearer ") == h.token
}

func (h *HTTPServer) writeEnvelope(w http.ResponseWriter, status int, resp *Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// methodToOperation maps Connect-style method names onto wire operations.
func methodToOperation(method string) string {
	switch method {
	case "Remember":
		return OpRemember
	case "Recall":
		return OpRecall
	case "Forget":
		return OpForget
	case "Status":
		return OpStatus
	case "Health":
		return OpHealth
	case "Ping":
		return OpPing
	case "RebuildGraph":
		return OpRebuildGraph
	}
	return ""
}
