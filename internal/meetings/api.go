package meetings

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/ratelimit"
)

const principalKey = "principal"

type CreateMeetingRequest struct {
	Title string `json:"title" binding:"required,max=200"`
}

type APIConfig struct {
	Store    Store
	Verifier auth.Verifier
	AuthMode config.AuthMode
	// CreateLimiter, when set, limits meeting creation per client IP.
	CreateLimiter *ratelimit.Keyed
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
	Now           func() time.Time
}

// API serves /api/meetings and /api/health.
type API struct {
	cfg    APIConfig
	log    *slog.Logger
	engine *gin.Engine
}

func NewAPI(cfg APIConfig) *API {
	if cfg.AuthMode == "" {
		cfg.AuthMode = config.AuthModeNone
	}
	if cfg.Verifier == nil {
		cfg.Verifier, _ = auth.NewVerifier(config.Config{AuthMode: config.AuthModeNone})
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	// Requests are logged by the outer HTTP middleware.
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.HandleMethodNotAllowed = true

	a := &API{cfg: cfg, log: log, engine: engine}
	api := engine.Group("/api")
	{
		api.GET("/health", a.healthCheck)
		api.GET("/meetings", a.listMeetings)
		api.GET("/meetings/:id", a.getMeeting)
		api.POST("/meetings", a.limitCreate, a.requireAuth, a.createMeeting)
		api.DELETE("/meetings/:id", a.requireAuth, a.deleteMeeting)
	}
	return a
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.engine.ServeHTTP(w, r)
}

func (a *API) limitCreate(c *gin.Context) {
	if a.cfg.CreateLimiter != nil && !a.cfg.CreateLimiter.Allow(c.ClientIP()) {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
		return
	}
	c.Next()
}

func (a *API) requireAuth(c *gin.Context) {
	cred, err := auth.CredentialFromRequest(a.cfg.AuthMode, c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}
	p, err := a.cfg.Verifier.Verify(cred)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	c.Set(principalKey, p)
	c.Next()
}

func principal(c *gin.Context) auth.Principal {
	v, _ := c.Get(principalKey)
	p, _ := v.(auth.Principal)
	return p
}

func (a *API) createMeeting(c *gin.Context) {
	var req CreateMeetingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title must not be blank"})
		return
	}

	m := Meeting{
		ID:        uuid.NewString(),
		Title:     title,
		HostID:    principal(c).Subject,
		CreatedAt: a.cfg.Now().UTC(),
	}
	if err := a.cfg.Store.Create(c.Request.Context(), m); err != nil {
		a.log.Error("create meeting failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create meeting"})
		return
	}
	a.cfg.Metrics.Inc(metrics.MeetingsCreated)
	a.log.Info("meeting created", "meeting_id", m.ID, "host_id", m.HostID)
	c.JSON(http.StatusCreated, m)
}

func (a *API) listMeetings(c *gin.Context) {
	list, err := a.cfg.Store.List(c.Request.Context())
	if err != nil {
		a.log.Error("list meetings failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list meetings"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"meetings": list})
}

func (a *API) getMeeting(c *gin.Context) {
	m, err := a.cfg.Store.Get(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "meeting not found"})
	case err != nil:
		a.log.Error("get meeting failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load meeting"})
	default:
		c.JSON(http.StatusOK, m)
	}
}

// deleteMeeting is open to anyone the auth mode admits, except that a
// meeting created under a JWT subject can only be deleted by that subject.
func (a *API) deleteMeeting(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	m, err := a.cfg.Store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "meeting not found"})
		return
	}
	if err != nil {
		a.log.Error("get meeting failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load meeting"})
		return
	}
	if m.HostID != "" && principal(c).Subject != m.HostID {
		c.JSON(http.StatusForbidden, gin.H{"error": "only the host can delete this meeting"})
		return
	}
	if err := a.cfg.Store.Delete(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
		a.log.Error("delete meeting failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete meeting"})
		return
	}
	a.log.Info("meeting deleted", "meeting_id", id)
	c.Status(http.StatusNoContent)
}

func (a *API) healthCheck(c *gin.Context) {
	if err := a.cfg.Store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
