// Package api implements the collaboration server: the WebSocket hub that
// fans annotation and presence traffic out to image sessions, the Redis
// lock authority, and the REST surface for locks and annotation persistence.
package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// Server wires the hub, the stores and the HTTP routes together
type Server struct {
	hub         *Hub
	locks       *LockStore
	annotations *AnnotationStore
	jwtSecret   string
}

// ServerOptions configures a collaboration server
type ServerOptions struct {
	JWTSecret         string
	LockTTL           time.Duration
	InactivityTimeout time.Duration
	ReadLimitBytes    int64
}

// NewServer creates a collaboration server on the given Redis client
func NewServer(redisClient *redis.Client, opts ServerOptions) *Server {
	locks := NewLockStore(redisClient, opts.LockTTL)
	return &Server{
		hub:         NewHub(locks, opts.InactivityTimeout, opts.ReadLimitBytes),
		locks:       locks,
		annotations: NewAnnotationStore(redisClient),
		jwtSecret:   opts.JWTSecret,
	}
}

// Hub exposes the hub for lifecycle management (cleanup timer)
func (s *Server) Hub() *Hub { return s.hub }

// RegisterRoutes mounts the collaboration routes on a gin engine. The health
// route is unauthenticated because it serves the clients' connection
// preflight; everything else requires a bearer token.
func (s *Server) RegisterRoutes(r *gin.Engine) {
	r.GET("/", s.GetHealth)

	authed := r.Group("/", JWTMiddleware(s.jwtSecret))
	authed.GET("/ws", s.hub.HandleWS)
	authed.GET("/images/:id/annotations", s.GetAnnotations)
	authed.PUT("/images/:id/annotations", s.PutAnnotations)
	authed.POST("/images/:id/annotations/:aid/lock", s.PostLock)
	authed.DELETE("/images/:id/annotations/:aid/lock", s.DeleteLock)
	authed.GET("/images/:id/annotations/:aid/lock", s.GetLock)
}
