// Package api implements the HTTP API of a node
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lumadb/rsm/pkg/cluster"
	"github.com/lumadb/rsm/pkg/cron"
	"github.com/lumadb/rsm/pkg/statemachine"
	"github.com/lumadb/rsm/pkg/storage"
	"go.uber.org/zap"
)

// maxEntries bounds one /entries response.
const maxEntries = 1000

// Server is the HTTP API server
type Server struct {
	node      *cluster.Node
	scheduler *cron.Scheduler
	logger    *zap.Logger
	engine    *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithScheduler exposes the scheduled jobs under /jobs.
func WithScheduler(s *cron.Scheduler) Option {
	return func(srv *Server) { srv.scheduler = s }
}

// NewServer creates a new API server
func NewServer(node *cluster.Node, logger *zap.Logger, opts ...Option) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		node:   node,
		logger: logger,
		engine: engine,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// Health check
	s.engine.GET("/health", s.handleHealth)

	// Cluster info
	s.engine.GET("/cluster", s.handleClusterInfo)
	s.engine.POST("/cluster/leave", s.handleLeave)

	// Introspection
	s.engine.GET("/debug", s.handleDebug)
	s.engine.GET("/entries", s.handleEntries)
	s.engine.GET("/snapshot", s.handleSnapshot)
	s.engine.POST("/snapshot", s.handleTriggerSnapshot)
	s.engine.GET("/jobs", s.handleJobs)

	// Raw command proposal
	s.engine.POST("/propose", s.handlePropose)
}

// Engine returns the gin engine so applications can add their own routes.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) handleHealth(c *gin.Context) {
	status, code := "healthy", http.StatusOK
	errMsg := ""
	if err := s.node.Err(); err != nil {
		status, code = "stopped", http.StatusServiceUnavailable
		errMsg = err.Error()
	}
	c.JSON(code, gin.H{
		"status":    status,
		"node_id":   s.node.ID(),
		"is_leader": s.node.IsLeader(),
		"error":     errMsg,
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleClusterInfo(c *gin.Context) {
	leaderID, leaderAddr := s.node.Leader()
	cs, err := s.node.ConfState()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"node_id":       s.node.ID(),
		"addr":          s.node.Addr(),
		"is_leader":     s.node.IsLeader(),
		"leader_id":     leaderID,
		"leader_addr":   leaderAddr,
		"members":       s.node.Members(),
		"conf_state":    cs,
		"applied_index": s.node.AppliedIndex(),
	})
}

func (s *Server) handleLeave(c *gin.Context) {
	if err := s.node.Mailbox().Leave(c.Request.Context()); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "left"})
}

func (s *Server) handleDebug(c *gin.Context) {
	info, err := s.node.Debug()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}

// handleEntries describes the stored log in [lo, hi). Both bounds default
// to the stored range.
func (s *Server) handleEntries(c *gin.Context) {
	st := s.node.Storage()
	first, err := st.FirstIndex()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	last, err := st.LastIndex()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	lo, err := queryIndex(c, "lo", first)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	hi, err := queryIndex(c, "hi", last+1)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if hi > last+1 {
		hi = last + 1
	}
	if hi > lo+maxEntries {
		hi = lo + maxEntries
	}

	var ents []storage.Entry
	if lo < hi {
		ents, err = st.Entries(lo, hi, storage.NoLimit)
		if err != nil {
			s.writeError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"first_index": first,
		"last_index":  last,
		"entries":     cluster.DescribeEntries(ents, s.node.Registry()),
	})
}

func (s *Server) handleSnapshot(c *gin.Context) {
	snap, err := s.node.Storage().Snapshot(0, 0)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, cluster.DescribeSnapshot(snap, s.node.Registry()))
}

func (s *Server) handleTriggerSnapshot(c *gin.Context) {
	if err := s.node.TriggerSnapshot(c.Request.Context()); err != nil {
		s.writeError(c, err)
		return
	}
	snap, err := s.node.Storage().Snapshot(0, 0)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"metadata": snap.Metadata})
}

func (s *Server) handleJobs(c *gin.Context) {
	if s.scheduler == nil {
		c.JSON(http.StatusOK, gin.H{"jobs": []cron.Job{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": s.scheduler.ListJobs()})
}

// handlePropose replicates the request body as one command and answers
// with the raw apply result.
func (s *Server) handlePropose(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty command"})
		return
	}
	result, err := s.node.Mailbox().Propose(c.Request.Context(), body)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", result)
}

// writeError maps node errors onto HTTP status codes. Followers answer
// with the known leader so clients can redirect.
func (s *Server) writeError(c *gin.Context, err error) {
	var (
		notLeader  *cluster.NotLeaderError
		applyErr   *statemachine.ApplyError
		membership *cluster.MembershipError
	)
	switch {
	case errors.As(err, &notLeader):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":       err.Error(),
			"leader_id":   notLeader.LeaderID,
			"leader_addr": notLeader.LeaderAddr,
		})
	case errors.As(err, &applyErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "index": applyErr.Index})
	case errors.As(err, &membership):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, storage.ErrCompacted), errors.Is(err, storage.ErrUnavailable):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
	case errors.Is(err, cluster.ErrStopped), errors.Is(err, cluster.ErrRemoved), errors.Is(err, cluster.ErrNotStarted):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		s.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func queryIndex(c *gin.Context, key string, def uint64) (uint64, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	return strconv.ParseUint(v, 10, 64)
}
