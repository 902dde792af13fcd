package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"classattend/internal/analytics"
	"classattend/internal/attendance"
	"classattend/internal/auth"
	"classattend/internal/httpmiddleware"
	"classattend/internal/model"
	"classattend/internal/rotator"
)

// HealthCheck is one dependency checked by /healthz.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) bool
}

// Deps wires the handler to the core.
type Deps struct {
	Service    *attendance.Service
	Rotator    *rotator.Rotator
	Stats      *analytics.Aggregator
	SigningKey string
	Issuer     string
	Limiter    *httpmiddleware.TokenBucket
	Gatherer   prometheus.Gatherer
	Health     []HealthCheck
	// TrustedProxies may set X-Forwarded-For; nil trusts none, so the
	// network origin is the peer address.
	TrustedProxies []string
	CORSOrigins    []string
	Now            func() time.Time
	Log            *zap.Logger
}

type Handler struct {
	svc     *attendance.Service
	rotator *rotator.Rotator
	stats   *analytics.Aggregator
	health  []HealthCheck
	now     func() time.Time
	log     *zap.Logger
}

func New(d Deps) *Handler {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	return &Handler{
		svc:     d.Service,
		rotator: d.Rotator,
		stats:   d.Stats,
		health:  d.Health,
		now:     d.Now,
		log:     d.Log.With(zap.String("handler", "attendance")),
	}
}

// Router builds the gin engine with every route mounted.
func Router(d Deps) *gin.Engine {
	h := New(d)

	r := gin.New()
	if err := r.SetTrustedProxies(d.TrustedProxies); err != nil {
		h.log.Warn("Ignoring invalid trusted proxies", zap.Error(err))
		_ = r.SetTrustedProxies(nil)
	}
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(h.log))
	r.Use(httpmiddleware.CORS(d.CORSOrigins))
	r.Use(httpmiddleware.SecurityHeaders())

	gatherer := d.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	r.GET("/healthz", h.Healthz)

	v1 := r.Group("/v1", auth.Bearer(d.SigningKey, d.Issuer))
	if d.Limiter != nil {
		v1.Use(d.Limiter.GinMiddleware())
	}

	staff := auth.RequireRole(auth.RoleInstructor, auth.RoleAdmin)
	v1.POST("/checkins", auth.RequireRole(auth.RoleStudent), h.CheckIn)
	v1.POST("/sessions", staff, h.ScheduleSession)
	v1.GET("/sessions/:id/token", staff, h.CurrentToken)
	v1.POST("/sessions/:id/token/rotate", staff, h.RotateToken)
	v1.GET("/sessions/:id/token/history", staff, h.TokenHistory)
	v1.POST("/sessions/:id/finalize", staff, h.Finalize)
	v1.GET("/sessions/:id/attendance", staff, h.SessionAttendance)
	v1.PUT("/sessions/:id/attendance/:student_id", staff, h.Override)
	v1.GET("/stats", staff, h.Stats)
	return r
}

// Healthz reports each dependency; any failing one turns the status 503.
func (h *Handler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	body := gin.H{"status": "ok"}
	for _, hc := range h.health {
		ok := hc.Check(ctx)
		body[hc.Name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

var kindStatus = map[model.ErrorKind]int{
	model.KindSessionNotFound:     http.StatusNotFound,
	model.KindSessionInactive:     http.StatusConflict,
	model.KindNotEnrolled:         http.StatusForbidden,
	model.KindAlreadyRecorded:     http.StatusConflict,
	model.KindOutsideWindow:       http.StatusConflict,
	model.KindTokenExpired:        http.StatusUnprocessableEntity,
	model.KindTokenMismatch:       http.StatusUnprocessableEntity,
	model.KindLocationUnavailable: http.StatusUnprocessableEntity,
	model.KindOutsideGeofence:     http.StatusUnprocessableEntity,
	model.KindOriginNotAllowed:    http.StatusUnprocessableEntity,
	model.KindMethodMismatch:      http.StatusUnprocessableEntity,
}

// fail maps a core error onto a response. Classified failures carry their
// kind; anything unclassified is logged and hidden behind a 500.
func (h *Handler) fail(c *gin.Context, err error, operation string) {
	if kind := model.KindOf(err); kind != "" {
		c.JSON(kindStatus[kind], gin.H{"error": err.Error(), "kind": kind})
		return
	}
	switch {
	case errors.Is(err, attendance.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, attendance.ErrSessionExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, context.Canceled):
		h.log.Info(operation + " abandoned by client")
		c.Status(499)
	default:
		h.log.Error(operation+" failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}
