package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"clustercore/internal/bus"
	"clustercore/internal/clusternode"
	"clustercore/internal/httpapi"
	"clustercore/internal/logging"
)

func main() {
	logging.Init()

	address := os.Getenv("CLUSTER_ADDRESS")
	if address == "" {
		address = "127.0.0.1"
	}

	httpPort := envInt("CLUSTER_HTTP_PORT", 8080)
	nodeTimeoutMS := envInt("CLUSTER_NODE_TIMEOUT_MS", 15000)
	clusterSecret := os.Getenv("CLUSTER_SECRET")
	configPath := os.Getenv("CLUSTER_CONFIG_FILE")
	if configPath == "" {
		configPath = fmt.Sprintf("clustercore-%d.conf", httpPort)
	}

	cfg := bus.DefaultConfig()
	cfg.NodeTimeout = time.Duration(nodeTimeoutMS) * time.Millisecond

	node, err := clusternode.New(clusternode.Options{
		ClientAddr:  address,
		ClientPort:  httpPort,
		ConfigPath:  configPath,
		ClusterAuth: clusterSecret,
		Cluster:     cfg,
		DialTimeout: 2 * time.Second,
	})
	if err != nil {
		log.Fatalf("clustercore: failed to start node: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go node.Start(ctx)

	// CLUSTER_MEET are bus addresses (host:busPort) dialed once at
	// startup; ongoing discovery after that happens purely via gossip
	// (spec §4.1 "introduce-peer" is how a cluster is ever bootstrapped,
	// there is no separate discovery phase).
	if peers := os.Getenv("CLUSTER_MEET"); peers != "" {
		for _, addr := range strings.Split(peers, ",") {
			addr = strings.TrimSpace(addr)
			if addr == "" {
				continue
			}
			host, portStr, found := strings.Cut(addr, ":")
			if !found {
				logging.Warn("clustercore: ignoring malformed CLUSTER_MEET entry %q", addr)
				continue
			}
			port, perr := strconv.Atoi(portStr)
			if perr != nil {
				logging.Warn("clustercore: ignoring malformed CLUSTER_MEET entry %q", addr)
				continue
			}
			node.Submit(func() {
				if merr := node.Meet(host, port); merr != nil {
					logging.Warn("clustercore: meet %s failed: %v", addr, merr)
				}
			})
		}
	}

	server := httpapi.NewServer(node)

	logging.Info("clustercore node online")
	logging.Info("  self: %s", node.Cluster.Directory.Self.ID)
	logging.Info("  http: %s:%d  bus: %s:%d", address, httpPort, address, httpPort+10000)
	if clusterSecret != "" {
		logging.Info("  bus authentication: HMAC-SHA256 (cluster secret configured)")
	} else {
		logging.Info("  bus authentication: none (open mode)")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", httpPort),
		Handler: server.Router(),
	}

	go func() {
		<-sigChan
		logging.Info("clustercore: shutting down")
		server.Close()
		node.Stop()
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("clustercore: http server failed: %v", err)
	}
}

// envInt reads an environment variable as int with a default fallback
// (ported from the teacher's cmd/repram/main.go envInt).
func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}
