package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/pingsantohq/readiness/internal/config"
	"github.com/pingsantohq/readiness/internal/publish"
	"github.com/pingsantohq/readiness/internal/signing"
	"github.com/pingsantohq/readiness/pkg/types"
)

const maxSettingsBody = 1 << 20

// settingsView is the GET /api/settings body: redacted settings plus the
// derived feature flags.
type settingsView struct {
	types.Settings
	Features types.Features `json:"features"`
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Device.Info(r.Context()))
}

func (s *Server) handleDeviceInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Device.DeviceInfo(r.Context()))
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Device.SystemStatus()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleAccess(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.AccessInfo{
		IsLocal:          isLocal(r),
		AllowRemoteAdmin: s.deps.Settings.Get().API.AllowRemoteAdmin,
	})
}

func (s *Server) handleSecurity(w http.ResponseWriter, r *http.Request) {
	if s.deps.Security == nil {
		writeError(w, http.StatusNotImplemented, "security report unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Security.Report(r.Context(), s.deps.Settings.Get().Targets))
}

func (s *Server) handleAutoTest(w http.ResponseWriter, _ *http.Request) {
	if s.deps.AutoTest == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.AutoTest.Status())
}

func (s *Server) handleSettingsGet(w http.ResponseWriter, _ *http.Request) {
	settings := s.deps.Settings.Get()
	writeJSON(w, http.StatusOK, settingsView{Settings: settings.Redacted(), Features: settings.Features()})
}

func (s *Server) handleSettingsUpdate(w http.ResponseWriter, r *http.Request) {
	section := mux.Vars(r)["section"]
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSettingsBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unable to read body")
		return
	}
	if _, err := s.deps.Settings.UpdateSection(section, body); err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, config.ErrUnknownSection) {
			code = http.StatusNotFound
		}
		writeError(w, code, err.Error())
		return
	}
	s.logger.Infow("settings updated", "section", section, "request_id", requestIDFrom(r.Context()))
	writeOK(w, fmt.Sprintf("%s settings saved", titleCase(section)))
}

func (s *Server) handleBackup(w http.ResponseWriter, _ *http.Request) {
	data, err := s.deps.Settings.Backup()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Header().Set("Content-Disposition", `attachment; filename="`+config.SettingsFileName+`"`)
	_, _ = w.Write(data)
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxSettingsBody))
	if err != nil || len(data) == 0 {
		writeError(w, http.StatusBadRequest, "settings document required")
		return
	}
	current := s.deps.Settings.Get()
	header := r.Header.Get(signatureHeader)
	switch {
	case s.deps.Verifier != nil:
		sig, err := signing.DecodeHeader(header)
		if err == nil {
			err = s.deps.Verifier.Verify(data, sig)
		}
		if err != nil {
			s.logger.Warnw("restore rejected", "err", err, "request_id", requestIDFrom(r.Context()))
			writeError(w, http.StatusForbidden, err.Error())
			return
		}
	case current.ConfigSigningEnabled:
		writeError(w, http.StatusForbidden, "config signing is enabled but no public key is configured")
		return
	}

	restored, err := config.ParseSettings(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Settings.Replace(restored.KeepSecrets(current)); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Infow("settings restored", "signed", s.deps.Verifier != nil, "request_id", requestIDFrom(r.Context()))
	writeOK(w, "Configuration restored")
}

func (s *Server) handleFactoryReset(w http.ResponseWriter, r *http.Request) {
	var errs []error
	if err := s.deps.Settings.Reset(); err != nil {
		errs = append(errs, err)
	}
	if s.deps.History != nil {
		err := s.deps.History.Clear(r.Context())
		s.observeHistory(err)
		if err != nil {
			errs = append(errs, err)
		} else {
			s.deps.Metrics.ObserveHistoryEntries(0)
		}
	}
	if s.deps.Exporter != nil {
		if err := s.deps.Exporter.Purge(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.Errorw("factory reset incomplete", "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Warnw("factory reset performed", "request_id", requestIDFrom(r.Context()))
	writeOK(w, "Factory reset complete")
}

func (s *Server) handleTestWebhook(w http.ResponseWriter, r *http.Request) {
	if s.deps.Publisher == nil {
		writeError(w, http.StatusNotImplemented, "publishing unavailable")
		return
	}
	var req struct {
		URL string `json:"url"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxSettingsBody)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	target := strings.TrimSpace(req.URL)
	if target == "" {
		target = s.deps.Settings.Get().WebhookURL
	}
	if err := s.deps.Publisher.TestWebhook(r.Context(), target); err != nil {
		writeError(w, publishStatus(err), err.Error())
		return
	}
	writeOK(w, "Webhook test sent")
}

func (s *Server) handleTestCloud(w http.ResponseWriter, r *http.Request) {
	if s.deps.Publisher == nil {
		writeError(w, http.StatusNotImplemented, "publishing unavailable")
		return
	}
	if err := s.deps.Publisher.TestCloud(r.Context()); err != nil {
		writeError(w, publishStatus(err), err.Error())
		return
	}
	writeOK(w, "Cloud API reachable")
}

func (s *Server) handleTestDatabricks(w http.ResponseWriter, r *http.Request) {
	if s.deps.Publisher == nil {
		writeError(w, http.StatusNotImplemented, "publishing unavailable")
		return
	}
	ds := s.deps.Settings.Get().Databricks
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxSettingsBody)).Decode(&ds); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	info, err := s.deps.Publisher.TestDatabricks(r.Context(), ds)
	if err != nil {
		writeError(w, publishStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, struct {
		types.OKResponse
		Clusters any `json:"clusters"`
	}{types.OKResponse{Success: true, Message: info.Message}, info.Clusters})
}

func (s *Server) handlePushDatabricks(w http.ResponseWriter, r *http.Request) {
	if s.deps.Publisher == nil {
		writeError(w, http.StatusNotImplemented, "publishing unavailable")
		return
	}
	jobID, results, err := s.resolveRun(r.Context(), latestJob)
	if err != nil {
		writeError(w, http.StatusNotFound, "No test results available to push")
		return
	}
	now := s.now()
	rec := publish.Record{
		JobID:     jobID,
		Timestamp: now.Unix(),
		Datetime:  now.Format(types.DatetimeLayout),
		Results:   results,
	}
	id, err := s.deps.Publisher.PushDatabricks(r.Context(), rec)
	if err != nil {
		writeError(w, publishStatus(err), err.Error())
		return
	}
	writeOK(w, "Pushed "+id)
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	if s == config.SectionAPI {
		return "API"
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
