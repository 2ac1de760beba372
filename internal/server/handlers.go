package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/genieops/teams-genie-bot/internal/bot"
	"github.com/genieops/teams-genie-bot/pkg/logger"
)

// messagesHandler is the Bot Framework webhook. The transport expects
// a prompt empty 200 once processing is dispatched; the actual Genie
// round trip continues in the background and replies through the
// connector.
func (s *Server) messagesHandler(w http.ResponseWriter, r *http.Request) {
	log := logger.GetLoggerFromContext(r.Context(), s.log)

	if s.deps.Auth != nil {
		if err := s.deps.Auth.Authenticate(r.Context(), r.Header.Get("Authorization")); err != nil {
			log.Warn("Rejected unauthenticated activity", logger.ErrorField(err))
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.Security.MaxRequestSize))
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	var activity bot.Activity
	if err := json.Unmarshal(body, &activity); err != nil {
		log.Warn("Activity payload did not parse", logger.ErrorField(err))
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	s.dispatch(r.Context(), &activity)
	w.WriteHeader(http.StatusOK)
}

// dispatch hands the activity to the adapter on a background context
// so the webhook response does not wait out the Genie poll.
func (s *Server) dispatch(reqCtx context.Context, activity *bot.Activity) {
	correlationID := logger.GetCorrelationIDFromContext(reqCtx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("Panic while processing activity",
					logger.StringField("panic", fmt.Sprint(rec)))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), s.activityTimeout)
		defer cancel()
		if correlationID != "" {
			ctx = logger.WithCorrelationIDContext(ctx, correlationID)
		}

		if err := s.deps.Adapter.HandleActivity(ctx, activity); err != nil &&
			!errors.Is(err, context.Canceled) {
			s.log.Error("Activity processing failed",
				logger.StringField("activity_type", activity.Type),
				logger.ErrorField(err))
		}
	}()
}

// healthHandler serves the fixed health payload the chat transport
// probes, independent of backend or token state.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": s.cfg.ServiceName,
	})
}

// statusPageHandler serves a minimal human-readable landing page.
func (s *Server) statusPageHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>%[1]s</title></head>
<body>
<h1>%[1]s</h1>
<p>Status: running (version %[2]s)</p>
<ul>
<li>Databricks host: <code>%[3]s</code></li>
<li>Genie space: <code>%[4]s</code></li>
<li>Bot app ID: <code>%[5]s</code></li>
</ul>
<ul>
<li><code>POST /api/messages</code> &mdash; Bot Framework webhook</li>
<li><code>GET /api/health</code> &mdash; health probe</li>
</ul>
</body>
</html>
`, s.cfg.ServiceName, s.cfg.Version,
		s.cfg.Databricks.NormalizedHost(), s.cfg.Databricks.GenieSpaceID, s.cfg.Teams.AppID)
}
