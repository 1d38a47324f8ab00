// Package server provides the HTTP control API of the comicvault daemon.
// It exposes task control routes and pushes task progress over WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/comicvault/comicvault/internal/download"
	"github.com/comicvault/comicvault/internal/logger"
	"github.com/comicvault/comicvault/internal/storage"
	"github.com/comicvault/comicvault/internal/version"
)

// TaskManager is the part of download.Manager the API drives.
type TaskManager interface {
	AddImageSet(key download.Key, chapters []string) (download.Task, error)
	AddArchive(key download.Key, url, title string) (download.Task, error)
	Pause(key download.Key) error
	Resume(key download.Key) error
	Cancel(key download.Key) error
	List() []download.Status
	AddStatusListener(listener download.StatusListener)
}

// Catalog lists completed comics.
type Catalog interface {
	List(ctx context.Context, limit, offset int) ([]*storage.Comic, error)
}

// Config contains server configuration
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// DefaultSource is used when a request does not name a source.
	DefaultSource string
	Debug         bool
}

// Server represents the HTTP server
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	config     *Config
	tasks      TaskManager
	catalog    Catalog
	hub        *Hub

	mu sync.Mutex
	wg sync.WaitGroup
}

// NewServer creates a new HTTP server. Task status updates are forwarded to
// WebSocket clients from here on.
func NewServer(config *Config, tasks TaskManager, catalog Catalog) *Server {
	s := &Server{
		config:  config,
		tasks:   tasks,
		catalog: catalog,
		hub:     NewHub(),
	}

	if config.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s.engine = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	go s.hub.Run()
	tasks.AddStatusListener(func(status download.Status) {
		s.hub.Emit(EventTaskUpdate, status)
	})

	return s
}

// setupMiddleware configures server middleware
func (s *Server) setupMiddleware() {
	s.engine.Use(
		gin.Recovery(),
		s.corsMiddleware(),
		s.loggerMiddleware(),
	)
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	api := s.engine.Group("/api")
	{
		api.GET("/info", s.handleServerInfo)
		api.GET("/events", s.handleEvents)
		api.GET("/library", s.handleListLibrary)

		tasks := api.Group("/tasks")
		{
			tasks.GET("", s.handleListTasks)
			tasks.POST("/images", s.handleAddImageSet)
			tasks.POST("/archive", s.handleAddArchive)
			tasks.POST("/:source/:id/pause", s.handlePauseTask)
			tasks.POST("/:source/:id/resume", s.handleResumeTask)
			tasks.DELETE("/:source/:id", s.handleCancelTask)
		}
	}
}

// Start starts serving in the background
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer != nil {
		return fmt.Errorf("server already started")
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.wg.Add(1)
	go func(srv *http.Server) {
		defer s.wg.Done()

		logger.Infof("HTTP server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("HTTP server error: %v", err)
		}
		logger.Info("HTTP server stopped")
	}(s.httpServer)

	return nil
}

// Shutdown stops accepting requests and disconnects WebSocket clients
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.mu.Unlock()

	var err error
	if srv != nil {
		if err = srv.Shutdown(ctx); err != nil {
			logger.Errorf("HTTP server shutdown failed: %v", err)
			srv.Close()
		}
	}

	s.hub.Stop()
	s.wg.Wait()
	return err
}

// GetEngine returns the gin engine
func (s *Server) GetEngine() *gin.Engine {
	return s.engine
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// loggerMiddleware logs each request with its status and latency
func (s *Server) loggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		entry := logger.WithFields(map[string]interface{}{
			"method":  c.Request.Method,
			"path":    path,
			"status":  status,
			"latency": time.Since(start).String(),
		})

		switch {
		case status >= 500:
			entry.Error("Request failed")
		case status >= 400:
			entry.Warn("Client error")
		default:
			entry.Debug("Request handled")
		}
	}
}

func (s *Server) handleServerInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version": version.Get(),
		"status":  "running",
		"clients": s.hub.ClientCount(),
	})
}

func (s *Server) handleListTasks(c *gin.Context) {
	tasks := s.tasks.List()
	c.JSON(http.StatusOK, gin.H{
		"tasks": tasks,
		"total": len(tasks),
	})
}

type imageSetRequest struct {
	ID       string   `json:"id" binding:"required"`
	Source   string   `json:"source"`
	Chapters []string `json:"chapters"`
}

func (s *Server) handleAddImageSet(c *gin.Context) {
	var req imageSetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid request",
			"message": err.Error(),
		})
		return
	}

	task, err := s.tasks.AddImageSet(s.key(req.Source, req.ID), req.Chapters)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"message": "task created",
		"task":    task.Status(),
	})
}

type archiveRequest struct {
	ID     string `json:"id" binding:"required"`
	Source string `json:"source"`
	URL    string `json:"url" binding:"required"`
	Title  string `json:"title"`
}

func (s *Server) handleAddArchive(c *gin.Context) {
	var req archiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid request",
			"message": err.Error(),
		})
		return
	}

	task, err := s.tasks.AddArchive(s.key(req.Source, req.ID), req.URL, req.Title)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"message": "task created",
		"task":    task.Status(),
	})
}

func (s *Server) handlePauseTask(c *gin.Context) {
	if err := s.tasks.Pause(s.paramKey(c)); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "task paused"})
}

func (s *Server) handleResumeTask(c *gin.Context) {
	if err := s.tasks.Resume(s.paramKey(c)); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "task resumed"})
}

func (s *Server) handleCancelTask(c *gin.Context) {
	if err := s.tasks.Cancel(s.paramKey(c)); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "task cancelled"})
}

func (s *Server) handleListLibrary(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
		return
	}

	comics, err := s.catalog.List(c.Request.Context(), limit, offset)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"comics": comics,
		"total":  len(comics),
	})
}

func (s *Server) key(source, id string) download.Key {
	if source == "" {
		source = s.config.DefaultSource
	}
	return download.Key{ID: id, SourceKey: source}
}

func (s *Server) paramKey(c *gin.Context) download.Key {
	return download.Key{ID: c.Param("id"), SourceKey: c.Param("source")}
}

// respondError maps engine errors to HTTP status codes
func (s *Server) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, download.ErrTaskNotFound):
		status = http.StatusNotFound
	case errors.Is(err, download.ErrTaskExists):
		status = http.StatusConflict
	case errors.Is(err, download.ErrUnknownSource), errors.Is(err, download.ErrInvalidTask):
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
