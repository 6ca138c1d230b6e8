// memstore runs a replicated map[uint64]string.
//
// The first node bootstraps a cluster; others join it through --peer-addr:
//
//	memstore --raft-addr 127.0.0.1:60061 --web-server 127.0.0.1:8001
//	memstore --raft-addr 127.0.0.1:60062 --peer-addr 127.0.0.1:60061 --web-server 127.0.0.1:8002
//
// Nodes listed in the peers file start as members of that static cluster
// unless --ignore-static-bootstrap is given.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lumadb/rsm/pkg/api"
	"github.com/lumadb/rsm/pkg/cluster"
	"github.com/lumadb/rsm/pkg/config"
	"github.com/lumadb/rsm/pkg/cron"
	"github.com/lumadb/rsm/pkg/events"
	"github.com/lumadb/rsm/pkg/hashstore"
	"github.com/lumadb/rsm/pkg/statemachine"
	"github.com/lumadb/rsm/pkg/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "", "Path to config file")
	nodeID := flag.Uint64("node-id", 0, "Node ID, required to restart a node that joined dynamically")
	raftAddr := flag.String("raft-addr", "", "Raft RPC address")
	peerAddr := flag.String("peer-addr", "", "Address of a cluster member to join through")
	webServer := flag.String("web-server", "", "HTTP address of the memstore API")
	dataDir := flag.String("data-dir", "", "Data directory")
	storageType := flag.String("storage", "", "Storage type (bolt or memory)")
	peersFile := flag.String("peers", "", "Static peers file (cluster_config.toml)")
	ignoreStatic := flag.Bool("ignore-static-bootstrap", false, "Ignore the peers file and bootstrap or join dynamically")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	// Initialize logger
	var logger *zap.Logger
	if *debug {
		logger, _ = zap.NewDevelopment()
	} else {
		logger, _ = zap.NewProduction()
	}
	defer logger.Sync()

	// Load configuration
	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadConfig(*configPath)
		if err != nil {
			logger.Fatal("Failed to load config", zap.Error(err))
		}
	}

	// Override with command line flags
	if *nodeID != 0 {
		cfg.NodeID = *nodeID
	}
	if *raftAddr != "" {
		cfg.RaftAddr = *raftAddr
	}
	if *webServer != "" {
		cfg.HTTPAddr = *webServer
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *storageType != "" {
		cfg.StorageType = *storageType
	}
	if *peersFile != "" {
		cfg.PeersFile = *peersFile
	}

	if err := run(cfg, *peerAddr, *ignoreStatic, logger); err != nil && !errors.Is(err, cluster.ErrRemoved) {
		logger.Fatal("memstore failed", zap.Error(err))
	}
	logger.Info("Shutdown complete")
}

func run(cfg *config.Config, peerAddr string, ignoreStatic bool, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var peers *config.Peers
	if !ignoreStatic && cfg.PeersFile != "" {
		var err error
		if peers, err = config.LoadPeers(cfg.PeersFile); err != nil {
			return err
		}
	}

	// Pick the node id: static peers first, then a reservation from the
	// cluster, then the configured id of a bootstrapping or restarting node.
	var (
		static   map[uint64]string
		joinResp *transport.RequestIdResponse
	)
	if peers != nil {
		if id, ok := peers.NodeIDByAddr(cfg.RaftAddr); ok {
			cfg.NodeID = id
			static = peers.Map()
			logger.Info("Starting as static member", zap.Uint64("node_id", id), zap.Int("peers", len(static)))
		}
	}
	if static == nil && peerAddr != "" && cfg.NodeID == 0 {
		logger.Info("Running in follower mode", zap.String("peer_addr", peerAddr))
		resp, err := cluster.RequestID(ctx, peerAddr, logger)
		if err != nil {
			return err
		}
		cfg.NodeID = resp.ReservedID
		joinResp = resp
	}
	if cfg.NodeID == 0 {
		cfg.NodeID = 1
	}
	if cfg.StorageType != "memory" {
		cfg.DataDir = nodeDataDir(cfg.DataDir, cfg.NodeID)
	}

	sink, err := events.NewSink(cfg.Events, logger)
	if err != nil {
		return err
	}
	defer sink.Close()

	store := hashstore.New()
	reg := statemachine.NewRegistry()
	hashstore.Register(reg)

	node, err := cluster.NewNode(cfg, store, logger,
		cluster.WithRegistry(reg),
		cluster.WithApplyHook(sink.OnApplied),
	)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	defer node.Shutdown()

	logger.Info("Starting memstore node",
		zap.Uint64("node_id", cfg.NodeID),
		zap.String("raft_addr", node.Addr()),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.Bool("joining", joinResp != nil),
	)

	if joinResp == nil {
		if err := node.Bootstrap(static); err != nil {
			return fmt.Errorf("failed to bootstrap: %w", err)
		}
	} else {
		joinCtx, cancel := context.WithTimeout(ctx, time.Minute)
		err := node.Join(joinCtx, joinResp)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to join cluster: %w", err)
		}
	}

	var sched *cron.Scheduler
	if cfg.Snapshot.Schedule != "" {
		sched = cron.NewScheduler(node, logger)
		if err := sched.AddSnapshotJob("snapshot", cfg.Snapshot.Schedule); err != nil {
			return err
		}
		sched.Start()
		defer sched.Stop()
	}

	g, ctx := errgroup.WithContext(ctx)

	if cfg.HTTPAddr != "" {
		apiServer := api.NewServer(node, logger, api.WithScheduler(sched))
		registerRoutes(apiServer.Engine(), node, store)
		httpServer := &http.Server{
			Addr:    cfg.HTTPAddr,
			Handler: apiServer.Handler(),
		}
		g.Go(func() error {
			logger.Info("HTTP server starting", zap.String("addr", cfg.HTTPAddr))
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		select {
		case <-node.Done():
			return node.Err()
		case <-ctx.Done():
			logger.Info("Shutting down...")
			return nil
		}
	})

	return g.Wait()
}

// registerRoutes installs the memstore endpoints.
func registerRoutes(r *gin.Engine, node *cluster.Node, store *hashstore.HashStore) {
	r.GET("/put/:id/:name", func(c *gin.Context) {
		key, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.String(http.StatusBadRequest, "invalid id: %v", err)
			return
		}
		cmd, err := (&hashstore.Insert{Key: key, Value: c.Param("name")}).Encode()
		if err != nil {
			c.String(http.StatusInternalServerError, "%v", err)
			return
		}
		result, err := node.Mailbox().Propose(c.Request.Context(), cmd)
		if err != nil {
			var nle *cluster.NotLeaderError
			if errors.As(err, &nle) {
				c.String(http.StatusServiceUnavailable, "%v", err)
				return
			}
			c.String(http.StatusInternalServerError, "%v", err)
			return
		}
		ins, err := hashstore.DecodeInsert(result)
		if err != nil {
			c.String(http.StatusInternalServerError, "%v", err)
			return
		}
		c.String(http.StatusOK, "%s", ins)
	})

	r.GET("/get/:id", func(c *gin.Context) {
		key, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.String(http.StatusBadRequest, "invalid id: %v", err)
			return
		}
		v, ok := store.Get(key)
		if !ok {
			c.String(http.StatusNotFound, "key %d not found", key)
			return
		}
		c.String(http.StatusOK, "%s", v)
	})

	r.GET("/leave", func(c *gin.Context) {
		if err := node.Mailbox().Leave(c.Request.Context()); err != nil {
			c.String(http.StatusInternalServerError, "%v", err)
			return
		}
		c.String(http.StatusOK, "OK")
	})
}

func nodeDataDir(base string, id uint64) string {
	return filepath.Join(base, fmt.Sprintf("node-%d", id))
}
