package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"mapwall/internal/middleware"
	"mapwall/internal/ratelimit"
	"mapwall/internal/security"
	"mapwall/internal/service"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Environment   string
	SessionSecret string
	Generate      *service.GenerateService
	Status        *service.StatusService
	Signer        *security.DownloadSigner
	PerIP         *ratelimit.Limiter
	PerUser       *ratelimit.Limiter
	Database      Pinger
	Redis         Pinger
}

type HandlerSet struct {
	log  zerolog.Logger
	deps Deps
}

func NewHandlerSet(log zerolog.Logger, deps Deps) HandlerSet {
	return HandlerSet{log: log, deps: deps}
}

func (h HandlerSet) Register(router *gin.RouterGroup) {
	router.GET("/healthz", h.Health)

	router.POST("/generate",
		middleware.Authenticate(h.deps.SessionSecret, true),
		middleware.RateLimit(middleware.PerIP(h.deps.PerIP), middleware.PerUser(h.deps.PerUser)),
		h.Generate,
	)

	optional := router.Group("")
	optional.Use(middleware.Authenticate(h.deps.SessionSecret, false))
	optional.GET("/status/:jobId", h.Status)
	optional.GET("/download/:jobId", h.Download)
}

// PingFunc adapts a plain function, such as a redis client ping, to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }
