package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/labelport/labelport/internal/export"
	"github.com/labelport/labelport/internal/runs"
)

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(CORSAllowlist())

	r.Get("/health", healthHandler(cfg))

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Repository, cfg.Logger))

		r.Get("/status", statusHandler(cfg))
		r.Post("/exports", createExportHandler(cfg))
		r.Get("/exports", listExportsHandler(cfg))
		r.Get("/exports/{id}", getExportHandler(cfg))
		r.With(LoopbackGuard()).Get("/exports/{id}/archive", archiveHandler(cfg))
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:  "ok",
			Version: cfg.Version,
			UptimeS: int64(time.Since(cfg.StartTime).Seconds()),
		}
		if cfg.Capabilities != nil {
			resp.Frames = cfg.Capabilities.Get(r.Context())
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func statusHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recent, err := cfg.Repository.ListRuns(r.Context(), 20)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list runs", "INTERNAL_ERROR")
			return
		}

		resp := StatusResponse{State: "idle"}
		for _, run := range recent {
			switch run.Status {
			case runs.StatusPending:
				resp.RunsPending++
			case runs.StatusRunning:
				resp.RunsRunning++
				if resp.ActiveRun == nil {
					active := RunToResponse(run)
					resp.ActiveRun = &active
				}
			case runs.StatusFailed:
				if resp.LastError == "" {
					resp.LastError = run.Error
				}
			}
		}

		switch {
		case cfg.Runner != nil && cfg.Runner.IsPaused():
			resp.State = "paused"
		case resp.RunsRunning > 0:
			resp.State = "exporting"
		case len(recent) > 0 && recent[0].Status == runs.StatusFailed:
			resp.State = "error"
		}

		WriteJSON(w, http.StatusOK, resp)
	}
}

func createExportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateExportRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		run := req.Run()
		if err := cfg.Runner.Submit(r.Context(), run); err != nil {
			if errors.Is(err, runs.ErrInvalidRun) {
				WriteError(w, http.StatusBadRequest, err.Error(), "INVALID_EXPORT")
				return
			}
			cfg.Logger.Error("failed to queue export", "error", err)
			WriteError(w, http.StatusInternalServerError, "failed to queue export", "INTERNAL_ERROR")
			return
		}

		WriteJSON(w, http.StatusAccepted, CreateExportResponse{RunID: run.ID})
	}
}

func listExportsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				WriteError(w, http.StatusBadRequest, "limit must be a positive integer", "BAD_REQUEST")
				return
			}
			limit = n
		}

		list, err := cfg.Repository.ListRuns(r.Context(), limit)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list runs", "INTERNAL_ERROR")
			return
		}

		resp := RunsResponse{Runs: make([]RunResponse, len(list))}
		for i, run := range list {
			resp.Runs[i] = RunToResponse(run)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func getExportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, ok := lookupRun(cfg, w, r)
		if !ok {
			return
		}
		WriteJSON(w, http.StatusOK, RunToResponse(run))
	}
}

func archiveHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, ok := lookupRun(cfg, w, r)
		if !ok {
			return
		}
		if run.Status != runs.StatusCompleted {
			WriteError(w, http.StatusConflict, fmt.Sprintf("export run is %s", run.Status), "NOT_READY")
			return
		}

		f, err := os.Open(run.OutputPath)
		if err != nil {
			WriteError(w, http.StatusNotFound, "archive no longer exists", "NOT_FOUND")
			return
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to read archive", "INTERNAL_ERROR")
			return
		}

		name := archiveName(run)
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
		http.ServeContent(w, r, name, info.ModTime(), f)
	}
}

func lookupRun(cfg ServerConfig, w http.ResponseWriter, r *http.Request) (*runs.Run, bool) {
	id := chi.URLParam(r, "id")
	run, err := cfg.Repository.GetRun(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to get run", "INTERNAL_ERROR")
		return nil, false
	}
	if run == nil {
		WriteError(w, http.StatusNotFound, "export run not found", "NOT_FOUND")
		return nil, false
	}
	return run, true
}

func archiveName(run *runs.Run) string {
	id := run.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("%s-%s-%s.zip", export.SanitizeName(run.ProjectID, 64), run.Format, id)
}
