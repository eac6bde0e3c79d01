// Package api exposes the HTTP surface: order intake, order query, the
// order stream upgrade and health.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dexflow/dexflow/internal/models"
	"github.com/dexflow/dexflow/internal/registry"
)

// OrderStore is the persistence surface the handlers need.
type OrderStore interface {
	Save(ctx context.Context, order *models.Order) error
	Get(ctx context.Context, orderID string) (*models.Order, error)
}

// JobQueue accepts validated orders for asynchronous execution.
type JobQueue interface {
	Enqueue(ctx context.Context, order models.Order) error
}

type Server struct {
	store    OrderStore
	jobs     JobQueue
	registry *registry.Registry
	upgrader websocket.Upgrader
	now      func() time.Time
}

func NewServer(store OrderStore, jobs JobQueue, reg *registry.Registry) *Server {
	return &Server{
		store:    store,
		jobs:     jobs,
		registry: reg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin policy is delegated to the CORS layer.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Router wires the gin engine: recovery, CORS, the API routes and the
// Prometheus scrape endpoint.
func (s *Server) Router(corsOrigins []string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	ccfg := cors.DefaultConfig()
	ccfg.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	ccfg.AllowHeaders = []string{"Origin", "Content-Type", "Accept"}
	if len(corsOrigins) == 1 && corsOrigins[0] == "*" {
		ccfg.AllowAllOrigins = true
	} else {
		ccfg.AllowOrigins = corsOrigins
	}
	r.Use(cors.New(ccfg))

	api := r.Group("/api")
	{
		api.POST("/orders/execute", s.handleExecute)
		api.GET("/orders/:orderId", s.handleGetOrder)
		api.GET("/orders/:orderId/stream", s.handleStream)
		api.GET("/health", s.handleHealth)
	}

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}
