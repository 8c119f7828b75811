package gateway

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/pironjulien/trinity-hackathon-sub001/pkg/control"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/errors"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/logstore"
)

const (
	defaultReadLines = 100
	maxReadLines     = 10000
	maxEntryBytes    = 64 * 1024
)

type logsResponse struct {
	Channel string           `json:"channel"`
	Entries []logstore.Entry `json:"entries"`
}

type appendRequest struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields"`
}

func (g *Gateway) handleReadLogs(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	if err := logstore.ValidateChannel(channel); err != nil {
		control.WriteError(w, err)
		return
	}

	lines := defaultReadLines
	if raw := r.URL.Query().Get("lines"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxReadLines {
			control.WriteError(w, errors.NewValidationError("lines must be between 1 and 10000", err))
			return
		}
		lines = parsed
	}

	entries, err := g.logs.Read(channel, lines)
	if err != nil {
		control.WriteError(w, err)
		return
	}
	if entries == nil {
		entries = []logstore.Entry{}
	}
	control.WriteJSON(w, http.StatusOK, logsResponse{Channel: channel, Entries: entries})
}

func (g *Gateway) handleAppendLog(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	if err := logstore.ValidateChannel(channel); err != nil {
		control.WriteError(w, err)
		return
	}

	var request appendRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEntryBytes))
	if err := decoder.Decode(&request); err != nil {
		control.WriteError(w, errors.NewValidationError("invalid log entry", err))
		return
	}
	if strings.TrimSpace(request.Message) == "" {
		control.WriteError(w, errors.NewValidationError("log entry message is required", nil))
		return
	}

	entry := logstore.Entry{
		Timestamp: request.Timestamp,
		Level:     logstore.ParseLevel(request.Level),
		Channel:   channel,
		Message:   request.Message,
		Fields:    request.Fields,
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if principal, ok := PrincipalFromContext(r.Context()); ok {
		if entry.Fields == nil {
			entry.Fields = map[string]interface{}{}
		}
		entry.Fields["principal"] = principal.Identity
	}

	stored, err := g.hub.Publish(r.Context(), entry)
	if err != nil {
		control.WriteError(w, err)
		return
	}
	control.WriteJSON(w, http.StatusCreated, stored)
}

func (g *Gateway) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	if err := logstore.ValidateChannel(channel); err != nil {
		control.WriteError(w, err)
		return
	}

	if err := g.hub.Clear(r.Context(), channel); err != nil {
		control.WriteError(w, err)
		return
	}

	principal, _ := PrincipalFromContext(r.Context())
	g.logger.Infof("Channel cleared, channel: %s, principal: %s", channel, principal.Identity)
	control.WriteJSON(w, http.StatusOK, map[string]interface{}{"channel": channel, "cleared": true})
}
