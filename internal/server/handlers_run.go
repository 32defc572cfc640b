package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/pingsantohq/readiness/internal/export"
	"github.com/pingsantohq/readiness/internal/history"
	"github.com/pingsantohq/readiness/internal/jobs"
	"github.com/pingsantohq/readiness/internal/publish"
	"github.com/pingsantohq/readiness/pkg/types"
)

const latestJob = "latest"

var errNoRuns = errors.New("no completed runs")

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		s.deps.Metrics.StartLimited()
		writeError(w, http.StatusTooManyRequests, "too many runs started, try again shortly")
		return
	}
	id, err := s.deps.Jobs.Start()
	if err != nil {
		s.logger.Errorw("start job failed", "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, types.StartResponse{JobID: id})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.Get(mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "Job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job.Status())
}

// resolveRun returns the results for a job ID, or for the most recent run
// when id is "latest". A latest run missing from memory falls back to the
// newest history entry.
func (s *Server) resolveRun(ctx context.Context, id string) (string, types.Results, error) {
	if id != latestJob {
		job, err := s.deps.Jobs.Get(id)
		if err != nil {
			return "", types.Results{}, err
		}
		return job.ID, job.Results, nil
	}
	if job, ok := s.deps.Jobs.Latest(); ok {
		return job.ID, job.Results, nil
	}
	if s.deps.History == nil {
		return "", types.Results{}, errNoRuns
	}
	entries, err := s.deps.History.List(ctx)
	if err != nil {
		return "", types.Results{}, err
	}
	if len(entries) == 0 {
		return "", types.Results{}, errNoRuns
	}
	detail, err := s.deps.History.Get(ctx, entries[0].Timestamp)
	if err != nil {
		return "", types.Results{}, err
	}
	return detail.JobID, detail.Results, nil
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	format, err := export.ParseFormat(vars["format"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, types.ExportResponse{Error: err.Error()})
		return
	}
	jobID, results, err := s.resolveRun(r.Context(), vars["id"])
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, jobs.ErrJobNotFound) || errors.Is(err, errNoRuns) || errors.Is(err, history.ErrNotFound) {
			code = http.StatusNotFound
		}
		writeJSON(w, code, types.ExportResponse{Error: err.Error()})
		return
	}

	settings := s.deps.Settings.Get()
	siteLabel := strings.TrimSpace(r.URL.Query().Get("site_label"))
	if siteLabel == "" {
		siteLabel = settings.SiteLabel
	}
	if siteLabel != "" {
		meta := types.RunMeta{}
		if results.Meta != nil {
			meta = *results.Meta
		}
		meta.SiteLabel = siteLabel
		results.Meta = &meta
	}

	name, err := s.deps.Exporter.Export(format, results)
	s.deps.Metrics.Export(string(format), err)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, export.ErrNoResults) || errors.Is(err, export.ErrUnsupportedFormat) {
			code = http.StatusBadRequest
		}
		s.logger.Warnw("export failed", "job_id", jobID, "format", format, "err", err)
		writeJSON(w, code, types.ExportResponse{Error: err.Error()})
		return
	}

	if s.deps.Publisher != nil && settings.Features().CloudPush {
		now := s.now()
		s.async("cloud push", func(ctx context.Context) error {
			rec := publish.Record{
				JobID:     jobID,
				Timestamp: now.Unix(),
				Datetime:  now.Format(types.DatetimeLayout),
				Results:   results,
				Filename:  name,
				SiteLabel: siteLabel,
			}
			if s.deps.Device != nil {
				rec.DeviceInfo = s.deps.Device.DeviceInfo(ctx)
			}
			return s.deps.Publisher.AfterExport(ctx, rec)
		})
	}
	writeJSON(w, http.StatusOK, types.ExportResponse{Filename: name})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["filename"]
	path, err := s.deps.Exporter.Path(name)
	if err != nil {
		if errors.Is(err, export.ErrFileNotFound) {
			writeError(w, http.StatusNotFound, "File not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	f, err := os.Open(path)
	if err != nil {
		writeError(w, http.StatusNotFound, "File not found")
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func (s *Server) handleHistoryList(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.History.List(r.Context())
	s.observeHistory(err)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []types.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleHistoryGet(w http.ResponseWriter, r *http.Request) {
	ts, ok := timestampVar(w, r)
	if !ok {
		return
	}
	detail, err := s.deps.History.Get(r.Context(), ts)
	if err != nil {
		s.historyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleHistoryDelete(w http.ResponseWriter, r *http.Request) {
	ts, ok := timestampVar(w, r)
	if !ok {
		return
	}
	if err := s.deps.History.Delete(r.Context(), ts); err != nil {
		s.historyError(w, err)
		return
	}
	s.refreshHistoryGauge(r.Context())
	writeOK(w, "History entry deleted")
}

func (s *Server) handleHistoryClear(w http.ResponseWriter, r *http.Request) {
	err := s.deps.History.Clear(r.Context())
	s.observeHistory(err)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.deps.Metrics.ObserveHistoryEntries(0)
	writeOK(w, "History cleared")
}

func (s *Server) historyError(w http.ResponseWriter, err error) {
	if errors.Is(err, history.ErrNotFound) {
		writeError(w, http.StatusNotFound, "History entry not found")
		return
	}
	s.observeHistory(err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) observeHistory(err error) {
	if s.deps.Health != nil {
		s.deps.Health.ObserveHistory(err)
	}
}

func (s *Server) refreshHistoryGauge(ctx context.Context) {
	if n, err := s.deps.History.Count(ctx); err == nil {
		s.deps.Metrics.ObserveHistoryEntries(n)
	}
}

func timestampVar(w http.ResponseWriter, r *http.Request) (int64, bool) {
	ts, err := strconv.ParseInt(mux.Vars(r)["ts"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid timestamp")
		return 0, false
	}
	return ts, true
}
