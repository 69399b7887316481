// Package api exposes the queue, run, and engine operations over HTTP and
// streams engine events via Server-Sent Events. It is a thin JSON layer over
// the engine; all semantics live below it.
package api

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/protoq/protoq/internal/engine"
	"github.com/protoq/protoq/internal/streaming"
)

// Deps holds the dependencies for the API server.
type Deps struct {
	Engine *engine.Engine
	Hub    streaming.EventHub
	Logger *slog.Logger
}

// Server serves the JSON API and SSE streams.
type Server struct {
	deps Deps
}

// NewServer creates the API server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler with all API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Queue inspection and rearrangement.
	mux.HandleFunc("GET /api/queue", s.handleListQueue)
	mux.HandleFunc("GET /api/queue/pending", s.handlePendingQueue)
	mux.HandleFunc("POST /api/queue/{id}/skip", s.handleSkip)
	mux.HandleFunc("POST /api/queue/{id}/skip-until", s.handleSkipUntil)
	mux.HandleFunc("POST /api/queue/{id}/goto", s.handleGotoCommand)
	mux.HandleFunc("DELETE /api/queue/completed", s.handleClearCompleted)
	mux.HandleFunc("DELETE /api/queue", s.handleClearAll)

	// Runs.
	mux.HandleFunc("POST /api/runs", s.handleEnqueueRun)
	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	mux.HandleFunc("DELETE /api/runs/{id}", s.handleClearRun)
	mux.HandleFunc("POST /api/runs/{id}/goto/{index}", s.handleGotoRunIndex)

	// Engine controls.
	mux.HandleFunc("GET /api/engine", s.handleEngineStatus)
	mux.HandleFunc("POST /api/engine/resume", s.handleResume)
	mux.HandleFunc("POST /api/engine/stop", s.handleStop)
	mux.HandleFunc("POST /api/engine/clear-error", s.handleClearError)

	// SSE streams.
	mux.HandleFunc("GET /sse/events", s.handleSSEGlobal)
	mux.HandleFunc("GET /sse/runs/{id}", s.handleSSERun)

	return mux
}
