package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/params"
	"github.com/flashbots/go-utils/cli"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	redisadapter "github.com/skatebounties/relay-node/adapters/redis"
	"github.com/skatebounties/relay-node/httpserver"
	"github.com/skatebounties/relay-node/price"
	"github.com/skatebounties/relay-node/relay"
)

var (
	version = "dev" // is set during build process

	// Default values
	defaultDebug       = os.Getenv("DEBUG") == "1"
	defaultLogProd     = os.Getenv("LOG_PROD") == "1"
	defaultLogService  = os.Getenv("LOG_SERVICE")
	defaultPort        = cli.GetEnv("PORT", "8080")
	defaultMetricsPort = cli.GetEnv("METRICS_PORT", "8088")

	defaultEthEndpoint       = cli.GetEnv("ETH_ENDPOINT", "http://127.0.0.1:8545")
	defaultRelayerKey        = cli.GetEnv("RELAYER_PRIVATE_KEY", "")
	defaultContractsConfig   = cli.GetEnv("CONTRACTS_CONFIG", "contracts.yaml")
	defaultRedisEndpoint     = cli.GetEnv("REDIS_ENDPOINT", "")
	defaultPostgresDSN       = cli.GetEnv("POSTGRES_DSN", "")
	defaultRateLimitPolicy   = cli.GetEnv("RATE_LIMIT_POLICY", "permissive")
	defaultRateLimit         = cli.GetEnv("RATE_LIMIT", "10")
	defaultRateLimitWindow   = cli.GetEnv("RATE_LIMIT_WINDOW", "1h")
	defaultMaxGasPriceGwei   = cli.GetEnv("MAX_GAS_PRICE_GWEI", "500")
	defaultMaxGasLimit       = cli.GetEnv("MAX_GAS_LIMIT", "1000000")
	defaultConfirmTimeout    = cli.GetEnv("CONFIRMATION_TIMEOUT", "2m")
	defaultEstimateEndpoints = cli.GetEnv("ESTIMATE_ENDPOINTS", "")
	defaultEstimateRateLimit = cli.GetEnv("ESTIMATE_RATE_LIMIT", "5")
	defaultPriceFeed         = cli.GetEnv("ETH_USD_FEED", "")
	defaultNonceRetention    = cli.GetEnv("NONCE_RETENTION", "24h")

	// Flags
	debugPtr             = flag.Bool("debug", defaultDebug, "print debug output")
	logProdPtr           = flag.Bool("log-prod", defaultLogProd, "log in production mode (json)")
	logServicePtr        = flag.String("log-service", defaultLogService, "'service' tag to logs")
	portPtr              = flag.String("port", defaultPort, "port to listen on")
	ethPtr               = flag.String("eth", defaultEthEndpoint, "eth endpoint")
	relayerKeyPtr        = flag.String("relayer-key", defaultRelayerKey, "relayer private key (hex)")
	contractsConfigPtr   = flag.String("contracts-config", defaultContractsConfig, "sponsored contracts config file")
	redisPtr             = flag.String("redis", defaultRedisEndpoint, "redis url string (empty for in-memory state)")
	postgresDSNPtr       = flag.String("postgres-dsn", defaultPostgresDSN, "postgres dsn for gas accounting (empty for log-only)")
	rateLimitPolicyPtr   = flag.String("rate-limit-policy", defaultRateLimitPolicy, "rate limit policy: permissive, window, bucket or redis")
	rateLimitPtr         = flag.String("rate-limit", defaultRateLimit, "relays allowed per user per window (or per second for bucket)")
	rateLimitWindowPtr   = flag.String("rate-limit-window", defaultRateLimitWindow, "rate limit window duration")
	maxGasPricePtr       = flag.String("max-gas-price-gwei", defaultMaxGasPriceGwei, "fee cap for relayed transactions (gwei)")
	maxGasLimitPtr       = flag.String("max-gas-limit", defaultMaxGasLimit, "gas ceiling per relayed call")
	confirmTimeoutPtr    = flag.String("confirmation-timeout", defaultConfirmTimeout, "how long to wait for inclusion before giving up")
	estimateEndpointsPtr = flag.String("estimate-endpoints", defaultEstimateEndpoints, "gas estimation endpoints (comma separated, empty to estimate via eth endpoint)")
	estimateRateLimitPtr = flag.String("estimate-rate-limit", defaultEstimateRateLimit, "estimate endpoint rate limit (calls per second)")
	priceFeedPtr         = flag.String("eth-usd-feed", defaultPriceFeed, "chainlink ETH/USD aggregator address (empty disables USD quotes)")
	nonceRetentionPtr    = flag.String("nonce-retention", defaultNonceRetention, "how long consumed request nonces are remembered")
)

func main() {
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	if *logProdPtr {
		atom := zap.NewAtomicLevel()
		if *debugPtr {
			atom.SetLevel(zap.DebugLevel)
		}

		encoderCfg := zap.NewProductionEncoderConfig()
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		logger = zap.New(zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderCfg),
			zapcore.Lock(os.Stdout),
			atom,
		))
	}
	defer func() { _ = logger.Sync() }()
	if *logServicePtr != "" {
		logger = logger.With(zap.String("service", *logServicePtr))
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	logger.Info("Starting relay-node", zap.String("version", version))

	if *relayerKeyPtr == "" {
		logger.Fatal("Relayer private key is not set")
	}
	relayerKey, err := crypto.HexToECDSA(strings.TrimPrefix(*relayerKeyPtr, "0x"))
	if err != nil {
		logger.Fatal("Failed to parse relayer private key", zap.Error(err))
	}

	ethBackend, err := ethclient.Dial(*ethPtr)
	if err != nil {
		logger.Fatal("Failed to connect to eth endpoint", zap.Error(err))
	}
	chainID, err := ethBackend.ChainID(ctx)
	if err != nil {
		logger.Fatal("Failed to get chain id", zap.Error(err))
	}

	registry, err := relay.LoadContractRegistry(*contractsConfigPtr)
	if err != nil {
		logger.Fatal("Failed to load contracts config", zap.Error(err))
	}

	var redisClient *redis.Client
	if *redisPtr != "" {
		redisOpts, err := redis.ParseURL(*redisPtr)
		if err != nil {
			logger.Fatal("Failed to parse redis url", zap.Error(err))
		}
		redisClient = redis.NewClient(redisOpts)
	}

	rateLimit, err := strconv.ParseInt(*rateLimitPtr, 10, 64)
	if err != nil {
		logger.Fatal("Failed to parse rate limit", zap.Error(err))
	}
	rateLimitWindow, err := time.ParseDuration(*rateLimitWindowPtr)
	if err != nil {
		logger.Fatal("Failed to parse rate limit window", zap.Error(err))
	}

	var limiter relay.RateLimiter
	switch *rateLimitPolicyPtr {
	case "permissive":
		limiter = relay.PermissiveRateLimiter{}
	case "window":
		limiter = relay.NewFixedWindowRateLimiter(rateLimit, rateLimitWindow)
	case "bucket":
		limiter = relay.NewTokenBucketRateLimiter(rate.Limit(rateLimit), int(rateLimit))
	case "redis":
		if redisClient == nil {
			logger.Fatal("Redis rate limit policy requires a redis endpoint")
		}
		limiter = relay.NewRedisRateLimiter(
			redisadapter.NewWindowCounter(redisClient, rateLimitWindow, "relay-rate"), rateLimit)
	default:
		logger.Fatal("Unknown rate limit policy", zap.String("policy", *rateLimitPolicyPtr))
	}

	nonceRetention, err := time.ParseDuration(*nonceRetentionPtr)
	if err != nil {
		logger.Fatal("Failed to parse nonce retention", zap.Error(err))
	}
	var nonces relay.NonceTracker
	if redisClient != nil {
		nonces = relay.NewRedisNonceTracker(
			redisadapter.NewConsumeOnceSet(redisClient, nonceRetention, "relay-nonce"))
	} else {
		nonces = relay.NewMemoryNonceTracker(nonceRetention)
	}

	var accountant relay.GasAccountant
	if *postgresDSNPtr != "" {
		dbAccountant, err := relay.NewDBAccountant(*postgresDSNPtr)
		if err != nil {
			logger.Fatal("Failed to create postgres accountant", zap.Error(err))
		}
		defer dbAccountant.Close()
		accountant = dbAccountant
	} else {
		accountant = relay.NewLogAccountant(logger)
	}

	maxGasPriceGwei, err := strconv.ParseInt(*maxGasPricePtr, 10, 64)
	if err != nil {
		logger.Fatal("Failed to parse max gas price", zap.Error(err))
	}
	maxGasLimit, err := strconv.ParseUint(*maxGasLimitPtr, 10, 64)
	if err != nil {
		logger.Fatal("Failed to parse max gas limit", zap.Error(err))
	}
	confirmTimeout, err := time.ParseDuration(*confirmTimeoutPtr)
	if err != nil {
		logger.Fatal("Failed to parse confirmation timeout", zap.Error(err))
	}

	relayer := relay.NewRelayer(logger, ethBackend, relayerKey, chainID, relay.Config{
		MaxGasPrice:         new(big.Int).Mul(big.NewInt(maxGasPriceGwei), big.NewInt(params.GWei)),
		MaxGasLimit:         maxGasLimit,
		ConfirmationTimeout: confirmTimeout,
	}, registry, limiter, nonces, accountant)
	logger.Info("Relayer account", zap.String("address", relayer.Address().Hex()),
		zap.String("chain_id", chainID.String()))

	var estimators []relay.EstimationBackend //nolint:prealloc
	if *estimateEndpointsPtr != "" {
		for _, endpoint := range strings.Split(*estimateEndpointsPtr, ",") {
			estimators = append(estimators, relay.NewJSONRPCEstimationBackend(endpoint))
		}
	}
	estimateRateLimit, err := strconv.ParseFloat(*estimateRateLimitPtr, 64)
	if err != nil {
		logger.Fatal("Failed to parse estimate rate limit", zap.Error(err))
	}

	var prices relay.PriceSource
	if *priceFeedPtr != "" {
		if !common.IsHexAddress(*priceFeedPtr) {
			logger.Fatal("Invalid ETH/USD feed address", zap.String("feed", *priceFeedPtr))
		}
		prices, err = price.NewChainlinkSource(logger, ethBackend, common.HexToAddress(*priceFeedPtr))
		if err != nil {
			logger.Fatal("Failed to create price source", zap.Error(err))
		}
	}

	api := relay.NewAPI(logger, relayer, estimators, rate.Limit(estimateRateLimit), prices)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", *portPtr),
		Handler:           httpserver.NewHandler(logger, api),
		ReadHeaderTimeout: 5 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	go func() {
		metricsMux.Handle("/debug/pprof/", http.HandlerFunc(pprof.Index))
		metricsMux.Handle("/debug/pprof/cmdline", http.HandlerFunc(pprof.Cmdline))
		metricsMux.Handle("/debug/pprof/profile", http.HandlerFunc(pprof.Profile))
		metricsMux.Handle("/debug/pprof/symbol", http.HandlerFunc(pprof.Symbol))
		metricsMux.Handle("/debug/pprof/trace", http.HandlerFunc(pprof.Trace))

		metricsServer := &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%s", defaultMetricsPort),
			ReadHeaderTimeout: 5 * time.Second,
			Handler:           metricsMux,
		}

		err := metricsServer.ListenAndServe()
		if err != nil {
			logger.Fatal("Failed to start metrics server", zap.Error(err))
		}
	}()

	connectionsClosed := make(chan struct{})
	go func() {
		notifier := make(chan os.Signal, 1)
		signal.Notify(notifier, os.Interrupt, syscall.SIGTERM)
		<-notifier
		logger.Info("Shutting down...")
		ctxCancel()
		if err := server.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown server", zap.Error(err))
		}
		close(connectionsClosed)
	}()

	err = server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("ListenAndServe: ", zap.Error(err))
	}

	<-ctx.Done()
	<-connectionsClosed
}
