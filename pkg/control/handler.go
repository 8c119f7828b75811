package control

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pironjulien/trinity-hackathon-sub001/pkg/domain"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/errors"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/logging"
)

// RegisterHTTPServerHandler mounts POST /start, POST /stop and GET /status.
// Access control is applied by the caller.
func RegisterHTTPServerHandler(router chi.Router, handler domain.Contract, logger logging.Logger) {
	h := &httpServerHandler{
		handler: handler,
		logger:  logger,
	}
	router.Post("/start", h.start)
	router.Post("/stop", h.stop)
	router.Get("/status", h.status)
}

type httpServerHandler struct {
	handler domain.Contract
	logger  logging.Logger
}

func (h *httpServerHandler) start(w http.ResponseWriter, r *http.Request) {
	// A client hanging up must not abort a start in progress
	status, err := h.handler.Start(context.WithoutCancel(r.Context()))
	if err != nil {
		h.logger.Errorf("Start server handler: %v", err)
		WriteError(w, err)
		return
	}
	h.logger.Debugf("Start server handler done")
	WriteJSON(w, http.StatusOK, status)
}

func (h *httpServerHandler) stop(w http.ResponseWriter, r *http.Request) {
	var timeout time.Duration
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed < 0 {
			WriteError(w, errors.NewValidationError("timeout must be a non-negative duration", err))
			return
		}
		timeout = parsed
	}

	status, err := h.handler.Stop(context.WithoutCancel(r.Context()), timeout)
	if err != nil {
		if !errors.IsNotRunningError(err) {
			h.logger.Errorf("Stop server handler: %v", err)
			WriteError(w, err)
			return
		}
		status.Message = "already stopped"
	}
	h.logger.Debugf("Stop server handler done")
	WriteJSON(w, http.StatusOK, status)
}

func (h *httpServerHandler) status(w http.ResponseWriter, r *http.Request) {
	status, err := h.handler.Status(r.Context())
	if err != nil {
		h.logger.Errorf("Status server handler: %v", err)
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, status)
}
