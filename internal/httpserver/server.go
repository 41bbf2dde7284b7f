// Package httpserver exposes trace scans over HTTP: POST a scan request,
// poll its status, collect the DOT graph when it completes.
package httpserver

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tinytelemetry/mailtrace/internal/aggregator"
	"github.com/tinytelemetry/mailtrace/internal/config"
	"github.com/tinytelemetry/mailtrace/internal/model"
	"github.com/tinytelemetry/mailtrace/internal/trace"
)

// ScanStatus is the lifecycle of one scan.
type ScanStatus string

const (
	ScanRunning   ScanStatus = "running"
	ScanCompleted ScanStatus = "completed"
	ScanFailed    ScanStatus = "failed"
)

type scan struct {
	Status ScanStatus `json:"status"`
	Graph  string     `json:"graph,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// ScanRequest is the POST /api/scan body.
type ScanRequest struct {
	StartHost string `json:"start_host" binding:"required"`
	Key       string `json:"key" binding:"required"`
	Time      string `json:"time" binding:"required"`
	TimeRange string `json:"time_range" binding:"required"`
}

// Server runs the scan API. Scans execute in the background; results are
// kept in memory until the process exits.
type Server struct {
	addr   string
	cfg    *config.Config
	logger *slog.Logger
	server *http.Server
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	scans map[string]*scan

	startTime time.Time
}

// NewServer creates the scan API server.
func NewServer(addr string, cfg *config.Config, logger *slog.Logger) *Server {
	if addr == "" {
		addr = "127.0.0.1:3000"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:   addr,
		cfg:    cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		scans:  make(map[string]*scan),
	}
}

// Start begins serving requests.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/api/health", s.handleHealth)
	r.POST("/api/scan", s.handleScan)
	r.GET("/api/scan/:id", s.handleScanStatus)

	s.server = &http.Server{
		Handler:           r,
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.startTime = time.Now()

	go s.server.Serve(listener)
	return nil
}

// Stop gracefully shuts the server down and cancels running scans.
func (s *Server) Stop() error {
	s.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	s.mu.Lock()
	count := len(s.scans)
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
		"scans":  count,
	})
}

func (s *Server) handleScan(c *gin.Context) {
	var req ScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	center, err := time.Parse("2006-01-02 15:04:05", req.Time)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "time must be YYYY-MM-DD HH:MM:SS"})
		return
	}
	span, err := config.ParseTimeRange(req.TimeRange)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id := newScanID()
	s.mu.Lock()
	s.scans[id] = &scan{Status: ScanRunning}
	s.mu.Unlock()

	go s.runScan(id, req, center.Add(-span), center.Add(span))

	c.JSON(http.StatusAccepted, gin.H{"scan_id": id})
}

func (s *Server) handleScanStatus(c *gin.Context) {
	s.mu.Lock()
	result, ok := s.scans[c.Param("id")]
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"status": "not_found"})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) runScan(id string, req ScanRequest, start, end time.Time) {
	agg, err := aggregator.New(s.cfg, s.logger)
	if err != nil {
		s.finishScan(id, "", err)
		return
	}
	defer agg.Close()

	graph := model.NewMailGraph()
	tracer := trace.New(agg, s.cfg, s.logger, start, end)
	tracer.Trace(s.ctx, req.Key, req.StartHost, graph)

	var dot strings.Builder
	if err := graph.WriteDOT(&dot); err != nil {
		s.finishScan(id, "", err)
		return
	}
	s.finishScan(id, dot.String(), nil)
}

func (s *Server) finishScan(id, dot string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result, ok := s.scans[id]
	if !ok {
		return
	}
	if err != nil {
		s.logger.Error("scan failed", "scan_id", id, "error", err)
		result.Status = ScanFailed
		result.Error = err.Error()
		return
	}
	result.Status = ScanCompleted
	result.Graph = dot
}

func newScanID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "scan-" + time.Now().Format("20060102150405.000000000")
	}
	return hex.EncodeToString(b[:])
}
