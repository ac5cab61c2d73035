package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/nijaru/scribe/db"
	apperrors "github.com/nijaru/scribe/errors"
	"github.com/nijaru/scribe/live"
	"github.com/nijaru/scribe/middleware"
	"github.com/nijaru/scribe/utils"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
	maxBodyBytes = 1 << 16
)

// LiveService is the part of live.Service the API drives.
type LiveService interface {
	Start(source string) (*live.SessionInfo, error)
	Stop(ctx context.Context) (*live.SessionInfo, error)
	Status() live.Status
	Config() live.Settings
	UpdateConfig(u live.SettingsUpdate) (live.Settings, error)
	Sessions(ctx context.Context) ([]live.SessionFile, error)
	SessionPath(filename string) (string, error)
	Subscribe() (<-chan live.Event, func())
}

// Store backs the run history and health endpoints. It may be nil.
type Store interface {
	Ping(ctx context.Context) error
	ListRuns(ctx context.Context, source string, limit int) ([]db.Run, error)
}

type Handler struct {
	live      LiveService
	store     Store
	upgrader  websocket.Upgrader
	startTime time.Time
	version   string
}

func New(svc LiveService, store Store, version string) *Handler {
	return &Handler{
		live:  svc,
		store: store,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		startTime: time.Now(),
		version:   version,
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/start", h.HandleStart)
	mux.HandleFunc("POST /api/stop", h.HandleStop)
	mux.HandleFunc("GET /api/status", h.HandleStatus)
	mux.HandleFunc("GET /api/config", h.HandleGetConfig)
	mux.HandleFunc("POST /api/config", h.HandleUpdateConfig)
	mux.HandleFunc("GET /api/sessions", h.HandleSessions)
	mux.HandleFunc("GET /api/download/{filename}", h.HandleDownload)
	mux.HandleFunc("GET /api/events", h.HandleEvents)
	mux.HandleFunc("GET /api/runs", h.HandleRuns)
	mux.HandleFunc("GET /health", h.HandleHealth)
}

type startRequest struct {
	Source string `json:"source"`
}

func (h *Handler) HandleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			utils.RespondWithError(w, err)
			return
		}
	}

	session, err := h.live.Start(req.Source)
	if err != nil {
		utils.RespondWithError(w, err)
		return
	}

	middleware.GetLogger(r.Context()).WithField("session", session.ID).Info("Session started via API")
	utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "success",
		"message": "transcription started",
		"session": session,
	})
}

func (h *Handler) HandleStop(w http.ResponseWriter, r *http.Request) {
	summary, err := h.live.Stop(r.Context())
	if err != nil {
		utils.RespondWithError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "success",
		"message": "transcription stopped",
		"summary": summary,
	})
}

func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	utils.RespondWithJSON(w, http.StatusOK, h.live.Status())
}

func (h *Handler) HandleGetConfig(w http.ResponseWriter, r *http.Request) {
	utils.RespondWithJSON(w, http.StatusOK, h.live.Config())
}

func (h *Handler) HandleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var update live.SettingsUpdate
	if err := decodeJSON(r, &update); err != nil {
		utils.RespondWithError(w, err)
		return
	}

	settings, err := h.live.UpdateConfig(update)
	if err != nil {
		utils.RespondWithError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"config": settings,
	})
}

func (h *Handler) HandleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.live.Sessions(r.Context())
	if err != nil {
		utils.RespondWithError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (h *Handler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	filename := r.PathValue("filename")
	path, err := h.live.SessionPath(filename)
	if err != nil {
		utils.RespondWithError(w, err)
		return
	}

	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	http.ServeFile(w, r, path)
}

// HandleEvents streams live events over a websocket until either side
// goes away.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).Warn("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	events, cancel := h.live.Subscribe()
	defer cancel()

	// reads only to notice the client closing
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				logrus.WithError(err).Debug("Websocket write failed")
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

func (h *Handler) HandleRuns(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		utils.RespondWithError(w, apperrors.Unavailable("handlers.Runs", nil, "run history is not available"))
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			utils.RespondWithError(w, apperrors.Invalid("handlers.Runs", err, "limit must be a positive integer"))
			return
		}
		limit = n
	}

	runs, err := h.store.ListRuns(r.Context(), r.URL.Query().Get("source"), limit)
	if err != nil {
		utils.RespondWithError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
		"version":   h.version,
		"uptime":    time.Since(h.startTime).String(),
		"running":   h.live.Status().Running,
	}

	code := http.StatusOK
	if h.store != nil {
		if err := h.store.Ping(r.Context()); err != nil {
			logrus.WithError(err).Error("Database health check failed")
			status["status"] = "degraded"
			status["database"] = "unreachable"
			code = http.StatusServiceUnavailable
		} else {
			status["database"] = "ok"
		}
	}
	utils.RespondWithJSON(w, code, status)
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperrors.Invalid("handlers.decodeJSON", err, "invalid JSON body")
	}
	return nil
}
