// Package httpapi provides the HTTP API for researchd. Every API route runs
// behind tenant resolution: the caller's email header is mapped to a user
// and space before any handler sees the request.
package httpapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/config"
	"github.com/fyrsmithlabs/researchd/internal/ingest"
	"github.com/fyrsmithlabs/researchd/internal/logging"
	"github.com/fyrsmithlabs/researchd/internal/metastore"
	"github.com/fyrsmithlabs/researchd/internal/research"
	"github.com/fyrsmithlabs/researchd/internal/retrieve"
	"github.com/fyrsmithlabs/researchd/internal/synth"
)

// Store is the metadata store surface the API layer needs directly.
type Store interface {
	EnsureUser(ctx context.Context, email string) (*metastore.User, error)
	EnsureSpace(ctx context.Context, userID int64, name string) (*metastore.Space, error)
	ListDocuments(ctx context.Context, limit, offset int) ([]metastore.Document, error)
	ListActivity(ctx context.Context, limit int) ([]metastore.Activity, error)
	Ping(ctx context.Context) error
}

// Ingestor handles uploads and document lifecycle.
type Ingestor interface {
	IngestFile(ctx context.Context, filename string, r io.Reader) (*metastore.Document, error)
	Delete(ctx context.Context, docID int64) error
	Reindex(ctx context.Context) (*ingest.ReindexStats, error)
}

// Searcher answers text and image queries.
type Searcher interface {
	Search(ctx context.Context, query string, mode retrieve.Mode, k int) ([]retrieve.Hit, error)
	SearchImages(ctx context.Context, query string, k int) ([]retrieve.ImageHit, error)
}

// Synthesizer turns hits into a grounded answer.
type Synthesizer interface {
	Synthesize(ctx context.Context, query, mode string, k int, hits []retrieve.Hit) (*synth.Answer, error)
}

// ResearchAgent runs deep research conversations.
type ResearchAgent interface {
	Start(ctx context.Context) (string, error)
	Ask(ctx context.Context, req *research.AskRequest) (*research.AskResult, error)
}

// Deps bundles the services the server routes to.
type Deps struct {
	Store    Store
	Ingestor Ingestor
	Searcher Searcher
	Synth    Synthesizer
	Research ResearchAgent
}

// Server is the HTTP front end.
type Server struct {
	echo *echo.Echo
	cfg  config.ServerConfig
	log  *logging.Logger
	deps Deps
}

// NewServer creates the HTTP server and registers all routes.
func NewServer(cfg config.ServerConfig, deps Deps, log *logging.Logger) (*Server, error) {
	if deps.Store == nil || deps.Ingestor == nil || deps.Searcher == nil {
		return nil, fmt.Errorf("store, ingestor and searcher are required")
	}
	if log == nil {
		log = logging.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit(fmt.Sprintf("%dM", cfg.MaxUploadMB)))
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			log.Info(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{echo: e, cfg: cfg, log: log.Named("http"), deps: deps}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealthz)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := s.echo.Group("", s.tenantMiddleware)
	api.POST("/upload", s.handleUpload)
	api.POST("/search", s.handleSearch)
	api.POST("/image-search", s.handleImageSearch)
	api.POST("/deep-research/start", s.handleResearchStart)
	api.POST("/deep-research/ask", s.handleResearchAsk)
	api.GET("/admin/documents", s.handleListDocuments)
	api.GET("/admin/activity", s.handleListActivity)
	api.DELETE("/admin/documents/:id", s.handleDeleteDocument)
	api.POST("/admin/reindex", s.handleReindex)
}

// Start begins serving on the configured port.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.log.Info(context.Background(), "starting http server", zap.String("addr", addr))
	err := s.echo.Start(addr)
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Handler exposes the routing tree for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
