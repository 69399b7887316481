package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/protoq/protoq/pkg/schema"
)

// handleListQueue returns the full ordered history, or a page of it when
// offset/limit are supplied.
func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var (
		entries []*schema.QueueEntry
		err     error
	)
	if r.URL.Query().Has("limit") {
		entries, err = s.deps.Engine.Page(ctx, queryInt(r, "offset", 0), queryInt(r, "limit", 50))
	} else {
		entries, err = s.deps.Engine.Entries(ctx)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (s *Server) handlePendingQueue(w http.ResponseWriter, r *http.Request) {
	ids, err := s.deps.Engine.PendingIDs(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": ids, "count": len(ids)})
}

func (s *Server) handleSkip(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Engine.Skip(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"skipped": id})
}

func (s *Server) handleSkipUntil(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Engine.SkipUntil(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"skipped_until": id})
}

func (s *Server) handleGotoCommand(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Engine.GotoCommand(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"head": id})
}

func (s *Server) handleClearCompleted(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Engine.ClearCompleted(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleClearAll(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Engine.ClearAll(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleEnqueueRun validates and enqueues a protocol expansion.
func (s *Server) handleEnqueueRun(w http.ResponseWriter, r *http.Request) {
	var req schema.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, schema.NewErrorf(schema.ErrCodeValidation, "invalid JSON body: %s", err.Error()))
		return
	}

	run, err := s.deps.Engine.EnqueueRun(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	s.deps.Logger.Info("run enqueued via API", "run_id", run.ID, "name", run.Name)
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.deps.Engine.Runs(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Engine.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleClearRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if err := s.deps.Engine.ClearRun(r.Context(), runID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"cleared": runID})
}

func (s *Server) handleGotoRunIndex(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil || index < 0 {
		writeError(w, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid command index %q", r.PathValue("index")))
		return
	}
	if err := s.deps.Engine.GotoRunIndex(r.Context(), runID, index); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "index": index})
}

func (s *Server) handleEngineStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Engine.Snapshot())
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Engine.Resume(r.Context(), false); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Engine.Snapshot())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Engine.Stop(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Engine.Snapshot())
}

func (s *Server) handleClearError(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Engine.ClearError(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Engine.Snapshot())
}
