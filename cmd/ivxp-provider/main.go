package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/vitwit/ivxp"
	"github.com/vitwit/ivxp/ledger"
	"github.com/vitwit/ivxp/logger"
	"github.com/vitwit/ivxp/metrics"
	"github.com/vitwit/ivxp/provider"
	"github.com/vitwit/ivxp/types"
	"github.com/vitwit/ivxp/utils"
)

type options struct {
	configPath string
	listen     string
	dbDriver   string
	dbDSN      string
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", getEnv("IVXP_CONFIG", ""), "Provider configuration file (JSON)")
	flag.StringVar(&opts.listen, "listen", getEnv("IVXP_LISTEN", ":"+getEnv("PORT", "8080")), "Address to serve the protocol on")
	flag.StringVar(&opts.dbDriver, "db-driver", getEnv("IVXP_DB_DRIVER", provider.DriverSQLite), "Order store: sqlite, postgres or memory")
	flag.StringVar(&opts.dbDSN, "db", getEnv("IVXP_DB", "&home"), "Order store DSN")
	flag.Parse()

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		logger.NewZapLogger("info").Error("invalid configuration", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	log := logger.NewZapLogger(cfg.LogLevel)
	if err := run(cfg, opts, log); err != nil {
		log.Error("provider stopped", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
}

func run(cfg *types.ProviderConfig, opts options, log logger.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	x := ivxp.New(
		ivxp.WithLogger(log),
		ivxp.WithMetrics(metrics.NewPrometheusRecorder(reg)),
	)

	chain, err := ledger.NewEVMLedger(ledger.EVMConfig{
		RPCURL:        cfg.RPCURL,
		TokenContract: cfg.TokenContract,
		Network:       cfg.Network,
	}, nil, log)
	if err != nil {
		return err
	}
	defer chain.Close()

	verifier, err := x.NewVerifier(map[types.Network]ledger.PaymentService{cfg.Network: chain})
	if err != nil {
		return err
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	var providerOpts []provider.Option
	if opts.dbDriver != "memory" {
		dsn, err := resolveDSN(opts.dbDriver, opts.dbDSN)
		if err != nil {
			return err
		}
		store, err := provider.OpenSQLStore(ctx, opts.dbDriver, dsn)
		if err != nil {
			return err
		}
		providerOpts = append(providerOpts, provider.WithStore(store))
		log.Info("opened order store", map[string]any{"driver": opts.dbDriver})
	}

	p, err := x.NewProvider(*cfg, verifier, providerOpts...)
	if err != nil {
		return err
	}
	defer p.Close()
	p.Start(ctx)

	// No WriteTimeout: streams stay open until their order resolves.
	server := &http.Server{
		Addr:        opts.listen,
		Handler:     p.Handler(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("serving ivxp", map[string]any{
			"listen":   opts.listen,
			"provider": cfg.Name,
			"network":  cfg.Network.String(),
			"wallet":   cfg.WalletAddress,
		})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-c:
	}
	log.Info("shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	stop()
	return nil
}

// loadConfig reads the JSON file at configPath, or builds the configuration
// from IVXP_* environment variables when no file is given.
func loadConfig(configPath string) (*types.ProviderConfig, error) {
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, types.WrapError(types.ErrConfigError, "read config", err)
		}
		return utils.ParseProviderConfig(data)
	}

	cfg := &types.ProviderConfig{
		Name:          getEnv("IVXP_PROVIDER_NAME", "ivxp-provider"),
		WalletAddress: getEnv("IVXP_WALLET_ADDRESS", ""),
		Network:       types.Network(getEnv("IVXP_NETWORK", string(types.NetworkBaseSepolia))),
		TokenContract: getEnv("IVXP_TOKEN_CONTRACT", ""),
		RPCURL:        getEnv("IVXP_RPC_URL", ""),
		PublicURL:     getEnv("IVXP_PUBLIC_URL", ""),
		LogLevel:      getEnv("IVXP_LOG_LEVEL", "info"),
	}
	if caps := getEnv("IVXP_CAPABILITIES", ""); caps != "" {
		cfg.Capabilities = strings.Split(caps, ",")
	}
	cfg.RateLimit, _ = strconv.ParseFloat(getEnv("IVXP_RATE_LIMIT", "0"), 64)
	cfg.RateBurst, _ = strconv.Atoi(getEnv("IVXP_RATE_BURST", "0"))
	cfg.FreshnessWindowSeconds, _ = strconv.Atoi(getEnv("IVXP_FRESHNESS_WINDOW_SECONDS", "0"))

	if err := utils.ValidateProviderConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveDSN expands the "&home" placeholder to a file under the user's
// config directory.
func resolveDSN(driver, dsn string) (string, error) {
	if dsn != "&home" {
		return dsn, nil
	}
	if driver != provider.DriverSQLite {
		return "", types.NewError(types.ErrConfigError, "a DSN is required for "+driver)
	}
	home, err := homedir.Dir()
	if err != nil {
		return "", types.WrapError(types.ErrConfigError, "home directory", err)
	}
	dir := path.Join(home, ".config", "ivxp")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", types.WrapError(types.ErrConfigError, "data directory", err)
	}
	return path.Join(dir, "orders.db"), nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
