package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/vitwit/ivxp"
	"github.com/vitwit/ivxp/client"
	"github.com/vitwit/ivxp/ledger"
	"github.com/vitwit/ivxp/logger"
	"github.com/vitwit/ivxp/signing"
	"github.com/vitwit/ivxp/types"
	"github.com/vitwit/ivxp/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const usage = `usage: ivxp-client [flags] <command> [args]

commands:
  catalog <provider-url>
  request <provider-url> <service-type> <budget-usdc>
  status  <provider-url> <order-id>
  resume  <provider-url> <order-id> <tx-hash>

The wallet key is read from WALLET_PRIVATE_KEY.
`

type options struct {
	configPath  string
	description string
	format      string
	pushTo      string
	confirm     bool
	timeout     time.Duration
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", getEnv("IVXP_CLIENT_CONFIG", ""), "Client configuration file (JSON)")
	flag.StringVar(&opts.description, "desc", "", "Request description passed to the service")
	flag.StringVar(&opts.format, "format", "", "Requested delivery format")
	flag.StringVar(&opts.pushTo, "push-to", "", "Endpoint the provider should push the deliverable to")
	flag.BoolVar(&opts.confirm, "confirm", false, "Send a signed delivery confirmation")
	flag.DurationVar(&opts.timeout, "timeout", 10*time.Minute, "Overall deadline of the command")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) < 2 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logger.NewZapLogger(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, opts.timeout)
	defer cancelTimeout()

	out, err := run(ctx, cfg, opts, log, args)
	if err != nil {
		report(err)
		os.Exit(1)
	}
	b, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(b))
}

func run(ctx context.Context, cfg *types.ClientConfig, opts options, log logger.Logger, args []string) (any, error) {
	x := ivxp.New(ivxp.WithLogger(log), ivxp.WithTimeout(time.Duration(cfg.TimeoutSeconds)*time.Second))
	providerURL := args[1]

	switch args[0] {
	case "catalog":
		return x.Transport().GetCatalog(ctx, providerURL)

	case "status":
		if len(args) != 3 {
			return nil, errUsage
		}
		return x.Transport().GetStatus(ctx, providerURL, args[2])

	case "request":
		if len(args) != 4 {
			return nil, errUsage
		}
		budget, err := utils.ValidateAmount(args[3])
		if err != nil {
			return nil, err
		}
		c, closeLedger, err := newClient(x, cfg, log)
		if err != nil {
			return nil, err
		}
		defer closeLedger()
		return c.Execute(ctx, client.OrderParams{
			ProviderURL:      providerURL,
			ServiceType:      args[2],
			Description:      opts.description,
			Budget:           *budget,
			DeliveryFormat:   opts.format,
			DeliveryEndpoint: opts.pushTo,
			Confirm:          opts.confirm,
		})

	case "resume":
		if len(args) != 4 {
			return nil, errUsage
		}
		c, closeLedger, err := newClient(x, cfg, log)
		if err != nil {
			return nil, err
		}
		defer closeLedger()
		return c.Resume(ctx, providerURL, args[2], args[3])
	}
	return nil, errUsage
}

var errUsage = errors.New("invalid arguments; run with -h for usage")

func newClient(x *ivxp.IVXP, cfg *types.ClientConfig, log logger.Logger) (*client.Client, func(), error) {
	key := os.Getenv("WALLET_PRIVATE_KEY")
	if key == "" {
		return nil, nil, types.NewError(types.ErrConfigError, "WALLET_PRIVATE_KEY is not set")
	}
	signer, err := signing.NewKeySignerFromHex(key)
	if err != nil {
		return nil, nil, err
	}

	chain, err := ledger.NewEVMLedger(ledger.EVMConfig{
		RPCURL:        cfg.RPCURL,
		TokenContract: cfg.TokenContract,
		Network:       cfg.Network,
	}, signer.PrivateKey(), log)
	if err != nil {
		return nil, nil, err
	}

	opts := []client.Option{}
	if cfg.PollIntervalSeconds > 0 || cfg.PollAttempts > 0 {
		opts = append(opts, client.WithPolling(time.Duration(cfg.PollIntervalSeconds)*time.Second, cfg.PollAttempts))
	}
	c, err := x.NewClient(*cfg, signer, chain, opts...)
	if err != nil {
		chain.Close()
		return nil, nil, err
	}
	return c, chain.Close, nil
}

// report prints err, with the resume command when payment already went out.
func report(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)

	var ie *types.IVXPError
	if !errors.As(err, &ie) {
		return
	}
	if data, ok := ie.Data.(*types.PartialSuccessData); ok && ie.Code == types.ErrPaymentFailed {
		fmt.Fprintf(os.Stderr, "transfer %s for order %s reverted; no funds moved\n", data.TxHash, data.OrderID)
	} else if ok {
		fmt.Fprintf(os.Stderr, "payment was made; retry with:\n  ivxp-client resume <provider-url> %s %s\n", data.OrderID, data.TxHash)
	}
	if data, ok := ie.Data.(*types.BudgetData); ok {
		fmt.Fprintf(os.Stderr, "quoted %s USDC, budget %s USDC\n", data.PriceUSDC, data.BudgetUSDC)
	}
}

func loadConfig(configPath string) (*types.ClientConfig, error) {
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, types.WrapError(types.ErrConfigError, "read config", err)
		}
		return utils.ParseClientConfig(data)
	}
	cfg := &types.ClientConfig{
		Name:          getEnv("IVXP_CLIENT_NAME", "ivxp-client"),
		Network:       types.Network(getEnv("IVXP_NETWORK", string(types.NetworkBaseSepolia))),
		RPCURL:        getEnv("IVXP_RPC_URL", ""),
		TokenContract: getEnv("IVXP_TOKEN_CONTRACT", ""),
		LogLevel:      getEnv("IVXP_LOG_LEVEL", "warn"),
	}
	if err := utils.ValidateStruct(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
