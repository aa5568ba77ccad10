package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/taskmesh/taskmesh-backend/pkg/env"
)

type Config struct {
	devMode bool

	// Coordinator RPC port
	coordinatorRPCPort string

	// Chain the deposits settle on
	chainID int64

	// ScyllaDB host, port and keyspace
	databaseHostAddress string
	databaseHostPort    string
	databaseKeyspace    string

	// Redis lock backend; empty URL keeps locks in-process
	redisURL      string
	redisPassword string

	// IPFS API address for the task state archive
	ipfsAPIAddress string

	// On-chain validator registry
	chainRPCUrl             string
	registryContractAddress string

	// Scoring oracle endpoint
	oracleEndpoint string

	// Native token price source
	priceAPIURL          string
	priceCacheTTL        time.Duration
	priceRefreshSchedule string

	// Task manifest directory
	manifestDir string

	// Consensus settings
	consensusThreshold float64
	minValidators      int

	// Validator admission settings
	minStakeUSD   float64
	minReputation float64

	// Deposit value tiers for bootstrap restrictions
	highValueUSD     float64
	criticalValueUSD float64
	safetyDelay      time.Duration

	// Peer announcement settings
	p2pListenAddress string
	p2pIdentityFile  string
	p2pPeers         []string

	// Timeout settings
	requestTimeout time.Duration
}

var cfg Config

func Init() error {
	if err := godotenv.Load(); err != nil {
		return fmt.Errorf("error loading .env file: %w", err)
	}
	cfg = Config{
		devMode:                 env.GetEnvBool("DEV_MODE", false),
		coordinatorRPCPort:      env.GetEnvString("COORDINATOR_RPC_PORT", "9002"),
		chainID:                 int64(env.GetEnvInt("CHAIN_ID", 11155111)),
		databaseHostAddress:     env.GetEnvString("DATABASE_HOST_ADDRESS", "localhost"),
		databaseHostPort:        env.GetEnvString("DATABASE_HOST_PORT", "9042"),
		databaseKeyspace:        env.GetEnvString("DATABASE_KEYSPACE", "taskmesh"),
		redisURL:                env.GetEnvString("REDIS_URL", ""),
		redisPassword:           env.GetEnvString("REDIS_PASSWORD", ""),
		ipfsAPIAddress:          env.GetEnvString("IPFS_API_ADDRESS", "localhost:5001"),
		chainRPCUrl:             env.GetEnvString("CHAIN_RPC_URL", ""),
		registryContractAddress: env.GetEnvString("REGISTRY_CONTRACT_ADDRESS", ""),
		oracleEndpoint:          env.GetEnvString("ORACLE_ENDPOINT", "http://localhost:9105"),
		priceAPIURL:             env.GetEnvString("PRICE_API_URL", ""),
		priceCacheTTL:           env.GetEnvDuration("PRICE_CACHE_TTL", 5*time.Minute),
		priceRefreshSchedule:    env.GetEnvString("PRICE_REFRESH_SCHEDULE", "@every 4m"),
		manifestDir:             env.GetEnvString("MANIFEST_DIR", "manifests"),
		consensusThreshold:      env.GetEnvFloat("CONSENSUS_THRESHOLD", 2.0/3.0),
		minValidators:           env.GetEnvInt("MIN_VALIDATORS", 3),
		minStakeUSD:             env.GetEnvFloat("MIN_STAKE_USD", 100),
		minReputation:           env.GetEnvFloat("MIN_REPUTATION", 70),
		highValueUSD:            env.GetEnvFloat("HIGH_VALUE_USD", 1_000),
		criticalValueUSD:        env.GetEnvFloat("CRITICAL_VALUE_USD", 10_000),
		safetyDelay:             env.GetEnvDuration("SAFETY_DELAY", time.Hour),
		p2pListenAddress:        env.GetEnvString("P2P_LISTEN_ADDRESS", ""),
		p2pIdentityFile:         env.GetEnvString("P2P_IDENTITY_FILE", "data/p2p_identity.key"),
		p2pPeers:                splitList(env.GetEnvString("P2P_PEERS", "")),
		requestTimeout:          env.GetEnvDuration("REQUEST_TIMEOUT", 10*time.Second),
	}
	if err := validateConfig(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func validateConfig() error {
	if !env.IsValidPort(cfg.coordinatorRPCPort) {
		return fmt.Errorf("invalid Coordinator RPC Port: %s", cfg.coordinatorRPCPort)
	}
	if cfg.chainID <= 0 {
		return fmt.Errorf("invalid chain ID: %d", cfg.chainID)
	}
	if !env.IsValidIPAddress(cfg.databaseHostAddress) {
		return fmt.Errorf("invalid database host address: %s", cfg.databaseHostAddress)
	}
	if !env.IsValidPort(cfg.databaseHostPort) {
		return fmt.Errorf("invalid database host port: %s", cfg.databaseHostPort)
	}
	if env.IsEmpty(cfg.databaseKeyspace) {
		return fmt.Errorf("invalid database keyspace: %s", cfg.databaseKeyspace)
	}
	if env.IsEmpty(cfg.oracleEndpoint) {
		return fmt.Errorf("invalid oracle endpoint: %s", cfg.oracleEndpoint)
	}
	if env.IsEmpty(cfg.manifestDir) {
		return fmt.Errorf("invalid manifest directory: %s", cfg.manifestDir)
	}
	if cfg.consensusThreshold <= 0 || cfg.consensusThreshold > 1 {
		return fmt.Errorf("invalid consensus threshold: %f", cfg.consensusThreshold)
	}
	if cfg.minValidators < 1 {
		return fmt.Errorf("invalid minimum validators: %d", cfg.minValidators)
	}
	if !env.IsEmpty(cfg.registryContractAddress) && !env.IsValidEthAddress(cfg.registryContractAddress) {
		return fmt.Errorf("invalid registry contract address: %s", cfg.registryContractAddress)
	}
	if !env.IsEmpty(cfg.registryContractAddress) && env.IsEmpty(cfg.chainRPCUrl) {
		return fmt.Errorf("registry contract address set without CHAIN_RPC_URL")
	}
	return nil
}

// splitList parses a comma-separated env value into trimmed entries.
func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var values []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}

func IsDevMode() bool {
	return cfg.devMode
}

func GetCoordinatorRPCPort() string {
	return cfg.coordinatorRPCPort
}

func GetChainID() int64 {
	return cfg.chainID
}

func GetDatabaseHostAddress() string {
	return cfg.databaseHostAddress
}

func GetDatabaseHostPort() string {
	return cfg.databaseHostPort
}

func GetDatabaseKeyspace() string {
	return cfg.databaseKeyspace
}

func GetRedisURL() string {
	return cfg.redisURL
}

func GetRedisPassword() string {
	return cfg.redisPassword
}

func GetIPFSAPIAddress() string {
	return cfg.ipfsAPIAddress
}

func GetChainRPCUrl() string {
	return cfg.chainRPCUrl
}

func GetRegistryContractAddress() string {
	return cfg.registryContractAddress
}

func GetOracleEndpoint() string {
	return cfg.oracleEndpoint
}

func GetPriceAPIURL() string {
	return cfg.priceAPIURL
}

func GetPriceCacheTTL() time.Duration {
	return cfg.priceCacheTTL
}

func GetPriceRefreshSchedule() string {
	return cfg.priceRefreshSchedule
}

func GetManifestDir() string {
	return cfg.manifestDir
}

func GetConsensusThreshold() float64 {
	return cfg.consensusThreshold
}

func GetMinValidators() int {
	return cfg.minValidators
}

func GetMinStakeUSD() float64 {
	return cfg.minStakeUSD
}

func GetMinReputation() float64 {
	return cfg.minReputation
}

func GetHighValueUSD() float64 {
	return cfg.highValueUSD
}

func GetCriticalValueUSD() float64 {
	return cfg.criticalValueUSD
}

func GetSafetyDelay() time.Duration {
	return cfg.safetyDelay
}

func GetP2PListenAddress() string {
	return cfg.p2pListenAddress
}

func GetP2PIdentityFile() string {
	return cfg.p2pIdentityFile
}

func GetP2PPeers() []string {
	return cfg.p2pPeers
}

func GetRequestTimeout() time.Duration {
	return cfg.requestTimeout
}
