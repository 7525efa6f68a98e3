package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/10yihang/slotkv/internal/cluster"
	"github.com/10yihang/slotkv/internal/config"
	"github.com/10yihang/slotkv/internal/logging"
	"github.com/10yihang/slotkv/internal/metrics"
	"github.com/10yihang/slotkv/internal/protocol"
	"github.com/10yihang/slotkv/internal/store"
)

var (
	configPath     = flag.String("config", os.Getenv("SLOTKV_CONFIG"), "path to YAML config file")
	clusterEnabled = flag.Bool("cluster-enabled", true, "enable cluster mode")
	port           = flag.Int("port", 0, "client port")
	clusterPort    = flag.Int("cluster-port", 0, "cluster bus port (default port+10000)")
	nodeID         = flag.String("node-id", "", "node ID (auto-generated if empty)")
	bindAddr       = flag.String("bind", "", "bind address")
	announceIP     = flag.String("announce-ip", "", "address announced to peers and clients")
	seeds          = flag.String("seeds", "", "comma-separated seed bus addresses (host:port)")
	dataDir        = flag.String("data-dir", "", "data directory for persistent state")
	persistState   = flag.Bool("persist-state", false, "persist slot map and epochs across restarts")
	ackMode        = flag.String("ack-mode", "", "write acknowledgement mode: local or replica")
	metricsAddr    = flag.String("metrics-addr", "", "serve Prometheus metrics on this address")
	logLevel       = flag.String("log-level", "", "log level")

	// CLI flags
	cliMode = flag.Bool("cli", false, "run in CLI mode")
	cliHost = flag.String("h", "127.0.0.1", "server host (CLI mode)")
	cliPort = flag.Int("p", 6379, "server port (CLI mode)")
)

func main() {
	flag.Parse()

	if *cliMode {
		os.Exit(runCLI(*cliHost, *cliPort, flag.Args()))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

// applyFlags copies explicitly set flags over the file configuration.
func applyFlags(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Node.Port = *port
			if *clusterPort == 0 {
				cfg.Node.ClusterPort = *port + 10000
			}
		case "cluster-port":
			cfg.Node.ClusterPort = *clusterPort
		case "node-id":
			cfg.Node.ID = *nodeID
		case "bind":
			cfg.Node.Bind = *bindAddr
		case "announce-ip":
			cfg.Node.AnnounceIP = *announceIP
		case "seeds":
			cfg.Node.Seeds = splitList(*seeds)
		case "data-dir":
			cfg.Node.DataDir = *dataDir
		case "persist-state":
			cfg.Cluster.PersistState = *persistState
		case "ack-mode":
			cfg.Replication.AckMode = *ackMode
		case "metrics-addr":
			cfg.Metrics.Enabled = *metricsAddr != ""
			cfg.Metrics.Addr = *metricsAddr
		case "log-level":
			cfg.Logging.Level = *logLevel
		}
	})
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Cluster.PersistState {
		if err := os.MkdirAll(cfg.Node.DataDir, 0o755); err != nil {
			return fmt.Errorf("create data directory: %w", err)
		}
	}

	st := store.New()

	var node *cluster.Cluster
	if *clusterEnabled {
		var err error
		node, err = cluster.NewCluster(cfg.ClusterConfig(), st, logger)
		if err != nil {
			return fmt.Errorf("create cluster: %w", err)
		}
		if err := node.Start(ctx); err != nil {
			return fmt.Errorf("start cluster: %w", err)
		}
		logger.Info("cluster mode enabled",
			zap.String("node_id", node.ID()),
			zap.String("bus", node.BusAddr()),
			zap.Strings("seeds", cfg.Node.Seeds))
	}

	id := "standalone"
	if node != nil {
		id = node.ID()
	}
	metrics.InitInfo(protocol.Version, runtime.Version(), id)

	addr := net.JoinHostPort(cfg.Node.Bind, strconv.Itoa(cfg.Node.Port))
	server := protocol.NewServer(addr, protocol.NewHandler(st, node, logger), logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		return server.Stop()
	})
	if cfg.Metrics.Enabled {
		exporter := metrics.NewExporter(cfg.Metrics.Addr, metrics.NewCollector(st))
		g.Go(func() error { return exporter.Run(gctx) })
		logger.Info("metrics exporter enabled", zap.String("addr", cfg.Metrics.Addr))
	}

	err := g.Wait()
	if node != nil {
		if stopErr := node.Stop(); stopErr != nil {
			logger.Warn("error stopping cluster", zap.Error(stopErr))
		}
	}
	return err
}

func runCLI(host string, port int, args []string) int {
	if len(args) == 0 {
		fmt.Println("Usage: slotkv -cli -h <host> -p <port> <command> [args...]")
		return 1
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:             net.JoinHostPort(host, strconv.Itoa(port)),
		Protocol:         2,
		DisableIndentity: true,
		MaxRetries:       -1,
	})
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmdArgs := make([]interface{}, len(args))
	for i, a := range args {
		cmdArgs[i] = a
	}
	res, err := rdb.Do(ctx, cmdArgs...).Result()
	if errors.Is(err, redis.Nil) {
		fmt.Println("(nil)")
		return 0
	}
	if err != nil {
		fmt.Printf("(error) %v\n", err)
		return 1
	}
	printReply(res, "")
	return 0
}

func printReply(v interface{}, indent string) {
	switch r := v.(type) {
	case nil:
		fmt.Println("(nil)")
	case int64:
		fmt.Printf("(integer) %d\n", r)
	case string:
		if strings.Contains(r, "\n") {
			fmt.Print(r)
			if !strings.HasSuffix(r, "\n") {
				fmt.Println()
			}
			return
		}
		fmt.Printf("%q\n", r)
	case []interface{}:
		if len(r) == 0 {
			fmt.Println("(empty array)")
			return
		}
		for i, item := range r {
			prefix := fmt.Sprintf("%d) ", i+1)
			if i > 0 {
				fmt.Print(indent)
			}
			fmt.Print(prefix)
			printReply(item, indent+strings.Repeat(" ", len(prefix)))
		}
	default:
		fmt.Println(r)
	}
}
