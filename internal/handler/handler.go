package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"eventlog/internal/attendance"
	"eventlog/internal/auth"
	"eventlog/internal/eventcache"
	"eventlog/internal/payload"
	"eventlog/internal/syncer"
	"eventlog/internal/window"
)

// Scanner runs one raw code through the scan pipeline.
type Scanner interface {
	Scan(ctx context.Context, raw string) (attendance.Outcome, error)
}

// EventSource lists the cached events.
type EventSource interface {
	Available() []eventcache.Event
}

// Syncer runs one manual sync cycle.
type Syncer interface {
	Cycle(ctx context.Context) (syncer.Report, error)
}

// Checker reports dependency health.
type Checker interface {
	Healthy(ctx context.Context) bool
}

// Config carries the station settings the handlers need. An empty
// JWTSigningKey means operator auth is off.
type Config struct {
	QRSecret        string
	JWTIssuer       string
	JWTSigningKey   string
	AccessTTL       time.Duration
	OperatorPINHash string
	BlockID         int64
}

// Handler serves the station API over the scan pipeline, event cache and sync engine.
type Handler struct {
	scanner Scanner
	events  EventSource
	sync    Syncer
	checks  map[string]Checker
	cfg     Config
	log     *zap.Logger
}

// New builds a Handler; checks are reported by /healthz under their map keys.
func New(scanner Scanner, events EventSource, sync Syncer, checks map[string]Checker, cfg Config, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{scanner: scanner, events: events, sync: sync, checks: checks, cfg: cfg, log: log}
}

// Register mounts the station routes. protected guards everything except health and login.
func (h *Handler) Register(r gin.IRouter, protected ...gin.HandlerFunc) {
	r.GET("/healthz", h.Healthz)
	r.POST("/v1/operators/login", h.Login)

	v1 := r.Group("/v1", protected...)
	v1.POST("/scans", h.Scan)
	v1.GET("/events", h.Events)
	v1.POST("/sync", h.Sync)
	v1.GET("/qr", h.QR)
}

// ---------- Health ----------

func (h *Handler) Healthz(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "ok"}
	for name, chk := range h.checks {
		ok := chk.Healthy(c.Request.Context())
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

// ---------- Scan ----------

type scanRequest struct {
	Raw string `json:"raw" binding:"required"`
}

type scanResponse struct {
	attendance.Notice
	Slot            *window.Slot `json:"slot,omitempty"`
	EventName       string       `json:"event_name,omitempty"`
	EventDateID     int64        `json:"event_date_id,omitempty"`
	StudentIDNumber int64        `json:"student_id_number,omitempty"`
}

// Scan records attendance for one scanned code and returns the operator notice.
func (h *Handler) Scan(c *gin.Context) {
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "provide {\"raw\": \"<scanned text>\"}"})
		return
	}

	out, err := h.scanner.Scan(c.Request.Context(), req.Raw)
	c.JSON(scanStatus(err), scanResponse{
		Notice:          attendance.Describe(out, err),
		Slot:            out.Slot,
		EventName:       out.EventName,
		EventDateID:     out.Scan.EventDateID,
		StudentIDNumber: out.Scan.StudentIDNumber,
	})
}

func scanStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, attendance.ErrBusy):
		return http.StatusConflict
	case payload.IsInvalid(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, eventcache.ErrEventNotFound):
		return http.StatusNotFound
	case errors.Is(err, window.ErrNotInWindow),
		errors.Is(err, attendance.ErrAlreadyLogged),
		errors.Is(err, attendance.ErrWrongDay):
		return http.StatusOK
	}
	return http.StatusInternalServerError
}

// ---------- Events ----------

type eventView struct {
	eventcache.Event
	AMIn         *window.TimeOfDay `json:"am_in"`
	AMOut        *window.TimeOfDay `json:"am_out"`
	PMIn         *window.TimeOfDay `json:"pm_in"`
	PMOut        *window.TimeOfDay `json:"pm_out"`
	GraceMinutes int               `json:"duration"`
}

func (h *Handler) Events(c *gin.Context) {
	events := h.events.Available()
	out := make([]eventView, 0, len(events))
	for _, e := range events {
		out = append(out, eventView{
			Event:        e,
			AMIn:         e.Schedule.AMIn,
			AMOut:        e.Schedule.AMOut,
			PMIn:         e.Schedule.PMIn,
			PMOut:        e.Schedule.PMOut,
			GraceMinutes: e.Schedule.GraceMinutes,
		})
	}
	c.JSON(http.StatusOK, gin.H{"events": out})
}

// ---------- Sync ----------

func (h *Handler) Sync(c *gin.Context) {
	rep, err := h.sync.Cycle(c.Request.Context())
	switch {
	case err == nil:
		c.JSON(http.StatusOK, rep)
	case errors.Is(err, syncer.ErrSyncInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": "sync already in progress"})
	case errors.Is(err, syncer.ErrUploadFailed):
		h.log.Warn("manual sync upload failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "server did not accept the attendance batch"})
	default:
		h.log.Error("manual sync failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync failed"})
	}
}

// ---------- QR ----------

// QR renders the code for ?event_date_id=&student_id_number=[&size=].
func (h *Handler) QR(c *gin.Context) {
	edid, err1 := strconv.ParseInt(c.Query("event_date_id"), 10, 64)
	sid, err2 := strconv.ParseInt(c.Query("student_id_number"), 10, 64)
	if err1 != nil || err2 != nil || edid <= 0 || sid <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "event_date_id and student_id_number must be positive integers"})
		return
	}
	size := 256
	if v := c.Query("size"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 64 && parsed <= 1024 {
			size = parsed
		}
	}
	png, err := payload.QRCodePNG(edid, sid, h.cfg.QRSecret, size)
	if err != nil {
		h.log.Error("render qr code", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to render qr code"})
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

// ---------- Operator login ----------

type loginRequest struct {
	Operator string `json:"operator" binding:"required"`
	PIN      string `json:"pin" binding:"required"`
}

// Login exchanges the operator PIN for an access token. It is 404 when
// operator auth is not configured.
func (h *Handler) Login(c *gin.Context) {
	if h.cfg.JWTSigningKey == "" || h.cfg.OperatorPINHash == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "operator login is disabled"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := auth.CheckPIN(h.cfg.OperatorPINHash, req.PIN); err != nil {
		h.log.Info("operator login rejected", zap.String("operator", req.Operator))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid operator or pin"})
		return
	}
	tok, err := auth.IssueAccess(req.Operator, h.cfg.BlockID, h.cfg.JWTIssuer, h.cfg.JWTSigningKey, h.cfg.AccessTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	c.JSON(http.StatusOK, tok)
}
