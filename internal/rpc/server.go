package rpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/engramkit/engram/internal/graph"
	"github.com/engramkit/engram/internal/service"
	"github.com/engramkit/engram/internal/types"
)

// Server dispatches wire operations onto the tool service.
type Server struct {
	svc       *service.Service
	rebuilder *graph.Materializer
	version   string
	startedAt time.Time
	logger    *slog.Logger
}

// NewServer wires the dispatcher. rebuilder may be nil when the admin
// surface is disabled.
func NewServer(svc *service.Service, rebuilder *graph.Materializer, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		svc:       svc,
		rebuilder: rebuilder,
		version:   version,
		startedAt: time.Now(),
		logger:    logger,
	}
}

// handleRequest runs one operation and never panics outward; every outcome
// is an envelope.
func (s *Server) handleRequest(ctx context.Context, req *Request) *Response {
	start := time.Now()
	resp := s.dispatch(ctx, req)
	if !resp.Success {
		s.logger.Warn("rpc operation failed",
			"operation", req.Operation,
			"kind", resp.Error.Kind,
			"error", resp.Error.Message,
			"elapsed", time.Since(start))
	} else {
		s.logger.Debug("rpc operation",
			"operation", req.Operation,
			"elapsed", time.Since(start))
	}
	return resp
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	switch req.Operation {
	case OpRemember:
		var in service.RememberInput
		if resp := decodeArgs(req.Args, &in); resp != nil {
			return resp
		}
		out, err := s.svc.Remember(ctx, in)
		if err != nil {
			return errResponse(err)
		}
		return okResponse(out)

	case OpRecall:
		var in service.RecallInput
		if resp := decodeArgs(req.Args, &in); resp != nil {
			return resp
		}
		out, err := s.svc.Recall(ctx, in)
		if err != nil {
			return errResponse(err)
		}
		return okResponse(out)

	case OpForget:
		var in service.ForgetInput
		if resp := decodeArgs(req.Args, &in); resp != nil {
			return resp
		}
		out, err := s.svc.Forget(ctx, in)
		if err != nil {
			return errResponse(err)
		}
		return okResponse(out)

	case OpStatus:
		var in service.StatusInput
		if resp := decodeArgs(req.Args, &in); resp != nil {
			return resp
		}
		out, err := s.svc.Status(ctx, in)
		if err != nil {
			return errResponse(err)
		}
		return okResponse(out)

	case OpHealth:
		return okResponse(s.health(ctx))

	case OpPing:
		return okResponse(map[string]string{"status": "ok", "version": s.version})

	case OpRebuildGraph:
		if s.rebuilder == nil {
			return errResponse(types.NewToolError(types.KindGraphUnavailable, "graph rebuild is not enabled"))
		}
		n, err := s.rebuilder.Rebuild(ctx)
		if err != nil {
			return errResponse(err)
		}
		return okResponse(map[string]int{"events_materialized": n})

	default:
		return errResponse(types.Invalidf("unknown operation %q", req.Operation))
	}
}

func (s *Server) health(ctx context.Context) HealthResponse {
	h := HealthResponse{
		Status:  "healthy",
		Version: s.version,
		Uptime:  time.Since(s.startedAt).Seconds(),
	}
	if _, err := s.svc.Status(ctx, service.StatusInput{}); err != nil {
		h.Status = "unhealthy"
		h.Error = err.Error()
	}
	return h
}

func decodeArgs(raw json.RawMessage, v any) *Response {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errResponse(types.Invalidf("decode args: %v", err))
	}
	return nil
}

// httpStatusFor maps error kinds onto HTTP status codes for the transport
// layer. Unknown kinds read as server faults.
func httpStatusFor(kind string) int {
	switch kind {
	case types.KindInvalidInput:
		return 400
	case types.KindNotFound:
		return 404
	case types.KindJobConflict:
		return 409
	case types.KindLLMRateLimited:
		return 429
	case types.KindGraphUnavailable, types.KindTransientEmbedding:
		return 503
	default:
		return 500
	}
}
