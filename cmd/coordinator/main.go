package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/host"

	"github.com/taskmesh/taskmesh-backend/internal/archive"
	"github.com/taskmesh/taskmesh-backend/internal/bootstrap"
	"github.com/taskmesh/taskmesh-backend/internal/collusion"
	"github.com/taskmesh/taskmesh-backend/internal/consensus"
	"github.com/taskmesh/taskmesh-backend/internal/coordinator"
	"github.com/taskmesh/taskmesh-backend/internal/coordinator/api"
	"github.com/taskmesh/taskmesh-backend/internal/coordinator/config"
	"github.com/taskmesh/taskmesh-backend/internal/coordinator/repository"
	"github.com/taskmesh/taskmesh-backend/internal/oracle"
	"github.com/taskmesh/taskmesh-backend/internal/pricing"
	"github.com/taskmesh/taskmesh-backend/internal/registry"
	"github.com/taskmesh/taskmesh-backend/internal/sybil"
	"github.com/taskmesh/taskmesh-backend/pkg/database"
	httppkg "github.com/taskmesh/taskmesh-backend/pkg/http"
	"github.com/taskmesh/taskmesh-backend/pkg/locks"
	"github.com/taskmesh/taskmesh-backend/pkg/logging"
	"github.com/taskmesh/taskmesh-backend/pkg/manifest"
	"github.com/taskmesh/taskmesh-backend/pkg/metrics"
	"github.com/taskmesh/taskmesh-backend/pkg/network"
	"github.com/taskmesh/taskmesh-backend/pkg/redis"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := config.Init(); err != nil {
		panic(fmt.Sprintf("Failed to initialize config: %v", err))
	}

	logConfig := logging.LoggerConfig{
		LogDir:      logging.BaseDataDir,
		ProcessName: logging.CoordinatorProcess,
		Environment: logging.Production,
	}
	if config.IsDevMode() {
		logConfig.Environment = logging.Development
	}

	if err := logging.InitServiceLogger(logConfig); err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	logger := logging.GetServiceLogger()
	defer func() {
		_ = logging.Shutdown()
	}()

	logger.Info("Starting coordinator...",
		"mode", config.IsDevMode(),
		"port", config.GetCoordinatorRPCPort(),
		"chain", config.GetChainID(),
	)

	collector := metrics.NewCollector("coordinator")
	collector.Start()
	coordMetrics := metrics.NewCoordinatorMetrics(collector)

	dbConfig := database.NewConfig(config.GetDatabaseHostAddress(), config.GetDatabaseHostPort()).
		WithKeyspace(config.GetDatabaseKeyspace())
	dbConn, err := database.NewConnection(dbConfig, logger)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer dbConn.Close()
	if err := dbConn.InitSchema(); err != nil {
		logger.Fatalf("Failed to initialize database schema: %v", err)
	}

	// Redis serializes task processing across replicas. Without it a
	// single-node mutex is used.
	var locker locks.Locker = locks.NewKeyedMutex()
	var redisClient *redis.Client
	if config.GetRedisURL() != "" {
		redisClient, err = redis.NewClient(redis.Config{
			URL:      config.GetRedisURL(),
			Password: config.GetRedisPassword(),
		}, logger)
		if err != nil {
			logger.Fatalf("Failed to connect to Redis: %v", err)
		}
		locker = locks.NewRedisLocker(redisClient, logger)
		logger.Info("Task processing locks are Redis backed")
	}

	manifests := manifest.NewRegistry(logger)
	count, err := manifests.LoadDir(config.GetManifestDir())
	if err != nil {
		logger.Fatalf("Failed to load manifests from %s: %v", config.GetManifestDir(), err)
	}
	logger.Infof("Loaded %d task manifests from %s", count, config.GetManifestDir())

	httpClient, err := httppkg.NewHTTPClient(httppkg.DefaultHTTPRetryConfig(), logger)
	if err != nil {
		logger.Fatalf("Failed to create HTTP client: %v", err)
	}

	// Deposit pricing: a live source when configured, the static fallback
	// table otherwise.
	var priceSource pricing.Source
	if config.GetPriceAPIURL() != "" {
		priceSource = pricing.NewHTTPSource(httpClient, config.GetPriceAPIURL())
	}
	priceService := pricing.NewService(priceSource, config.GetPriceCacheTTL(), logger, coordMetrics)
	var refresher *pricing.Refresher
	if priceSource != nil {
		refresher = pricing.NewRefresher(priceService, []int64{config.GetChainID()})
		if err := refresher.Start(config.GetPriceRefreshSchedule()); err != nil {
			logger.Fatalf("Failed to start price refresher: %v", err)
		}
	}

	// The on-chain registry is optional. Without it qualification falls
	// back to the off-chain store and tasks stay on the normal path.
	var registryClient *registry.Client
	if config.GetRegistryContractAddress() != "" {
		registryClient, err = registry.NewClient(config.GetChainRPCUrl(), config.GetRegistryContractAddress(), logger)
		if err != nil {
			logger.Fatalf("Failed to connect to validator registry: %v", err)
		}
	}

	sybilConfig := sybil.DefaultConfig()
	sybilConfig.MinStakeUSD = config.GetMinStakeUSD()
	sybilConfig.MinReputation = config.GetMinReputation()
	sybilConfig.ChainID = config.GetChainID()
	var onchain sybil.OnchainRegistry
	if registryClient != nil {
		onchain = registryClient
	}
	gate, err := sybil.NewGate(sybil.NewCassandraStore(dbConn), onchain, priceService, sybilConfig, logger)
	if err != nil {
		logger.Fatalf("Failed to build qualification gate: %v", err)
	}

	engine, err := consensus.NewEngine(config.GetConsensusThreshold(), config.GetMinValidators())
	if err != nil {
		logger.Fatalf("Failed to build consensus engine: %v", err)
	}

	scoringOracle := oracle.NewHTTPOracle(httpClient, config.GetOracleEndpoint(), logger)

	var counts bootstrap.PopulationSource
	if registryClient != nil {
		counts = registryClient
	}
	controller, err := bootstrap.NewController(counts, priceService, scoringOracle, bootstrap.Config{
		HighValueUSD:     config.GetHighValueUSD(),
		CriticalValueUSD: config.GetCriticalValueUSD(),
		SafetyDelay:      config.GetSafetyDelay(),
	}, logger)
	if err != nil {
		logger.Fatalf("Failed to build bootstrap controller: %v", err)
	}

	archiveClient := archive.NewClient(config.GetIPFSAPIAddress(), logger)

	// Peer announcements are optional; they need a listen address.
	var p2pHost host.Host
	var announcer coordinator.Announcer
	if config.GetP2PListenAddress() != "" {
		p2pHost, err = network.SetupHost(network.HostConfig{
			ListenAddr:   config.GetP2PListenAddress(),
			IdentityFile: config.GetP2PIdentityFile(),
		}, collector.Registry())
		if err != nil {
			logger.Fatalf("Failed to set up p2p host: %v", err)
		}
		p2pAnnouncer := network.NewAnnouncer(p2pHost, logger)
		for _, peer := range config.GetP2PPeers() {
			if err := p2pAnnouncer.AddPeer(peer); err != nil {
				logger.Warnf("Skipping peer %s: %v", peer, err)
			}
		}
		announcer = p2pAnnouncer
	}

	var population coordinator.PopulationSource
	if registryClient != nil {
		population = registryClient
	}

	coord, err := coordinator.New(coordinator.Params{
		Repository: repository.NewTaskRepository(dbConn),
		Manifests:  manifests,
		Gate:       gate,
		Consensus:  engine,
		Oracle:     scoringOracle,
		Bootstrap:  controller,
		Population: population,
		Archive:    archiveClient,
		Announcer:  announcer,
		Collusion:  collusion.NewMemoryTracker(logger),
		Locker:     locker,
		Metrics:    coordMetrics,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatalf("Failed to build coordinator: %v", err)
	}

	server := api.NewServer(coord, collector, logger)

	serverErrors := make(chan error, 1)
	go func() {
		if err := server.Start(config.GetCoordinatorRPCPort()); err != nil && err != http.ErrServerClosed {
			serverErrors <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	logger.Infof("Coordinator initialized, serving on port %s", config.GetCoordinatorRPCPort())

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("Server error received", "error", err)
	case sig := <-shutdown:
		logger.Info("Received shutdown signal", "signal", sig.String())
	}

	performGracefulShutdown(server, refresher, registryClient, redisClient, p2pHost, collector, logger)
}

func performGracefulShutdown(
	server *api.Server,
	refresher *pricing.Refresher,
	registryClient *registry.Client,
	redisClient *redis.Client,
	p2pHost host.Host,
	collector *metrics.Collector,
	logger logging.Logger,
) {
	logger.Info("Initiating graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Stop(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if refresher != nil {
		refresher.Stop()
	}
	if p2pHost != nil {
		if err := p2pHost.Close(); err != nil {
			logger.Error("P2P host close error", "error", err)
		}
	}
	if registryClient != nil {
		registryClient.Close()
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Error("Redis close error", "error", err)
		}
	}
	collector.Stop()
	logger.Info("Shutdown complete")
}
