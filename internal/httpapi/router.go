package httpapi

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/suPer8Hu/turn-gateway/internal/apperr"
	"github.com/suPer8Hu/turn-gateway/internal/common"
	"github.com/suPer8Hu/turn-gateway/internal/httpapi/handlers"
	"github.com/suPer8Hu/turn-gateway/internal/httpapi/middleware"
)

// NewRouter wires every route. gatherer may be nil to skip /metrics.
func NewRouter(h *handlers.Handler, jwtSecret string, gatherer prometheus.Gatherer) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.FailKind(c, apperr.BadRequest, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.FailKind(c, apperr.BadRequest, "method not allowed")
	})

	r.Use(middleware.RequestID())

	r.GET("/ping", h.Ping)
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	// auth
	r.POST("/auth/guest", h.CreateGuest)
	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(jwtSecret))
	authGroup.GET("/me", h.Me)
	authGroup.GET("/models", h.ListModels)
	authGroup.PUT("/credentials", h.PutCredentials)
	authGroup.DELETE("/credentials", h.DeleteCredentials)

	// Chat (JWT required)
	authGroup.POST("/chat", h.PostChat)
	authGroup.DELETE("/chat", h.DeleteChat)
	authGroup.GET("/chat/:id/stream", h.ResumeStream)
	return r
}
