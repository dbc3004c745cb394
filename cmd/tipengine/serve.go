package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	tipengine "github.com/tink-protocol/tipengine"
	"github.com/tink-protocol/tipengine/config"
	tiphttp "github.com/tink-protocol/tipengine/http"
	"github.com/tink-protocol/tipengine/mechanisms/evm"
	evmsigners "github.com/tink-protocol/tipengine/signers/evm"
	"github.com/tink-protocol/tipengine/stores/memory"
	"github.com/tink-protocol/tipengine/stores/postgres"
)

const (
	demoMerchantID     = "merchant_demo_cafe"
	demoMerchantSlug   = "demo-cafe"
	demoMerchantWallet = "0xd8dA6BF26964aF9D7eEd9e03E53415D37aA96045"
)

var (
	serveAddr         string
	serveFacilitator  bool
	serveSeedMerchant bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the payment API and webhook receiver",
	Long: `Run the HTTP server.

Sessions are stored in Postgres when database_url is set, otherwise in memory.
Settlement goes to the remote facilitator when facilitator.url is set. Without
it, an in-process facilitator submits through facilitator.private_key and
facilitator.rpc_url, or through a simulated chain when neither is set.

Examples:
  tipengine serve
  tipengine serve --config tipengine.yaml --addr :8080
  TIPENGINE_DATABASE_URL=postgres://localhost/tips tipengine serve --facilitator`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")
	serveCmd.Flags().BoolVar(&serveFacilitator, "facilitator", false, "also expose /verify, /settle and /supported")
	serveCmd.Flags().BoolVar(&serveSeedMerchant, "seed", true, "register the demo merchant when missing")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := cfg.Logger()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	facilitator, closeFacilitator, err := newFacilitator(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeFacilitator()

	engine, err := tipengine.NewEngine(store, facilitator, evm.NewExactEvmService(),
		tipengine.WithConfig(cfg.EngineConfig()),
		tipengine.WithLogger(logger),
		tipengine.WithWebhookSecret(cfg.WebhookSecret))
	if err != nil {
		return err
	}

	if _, ok, err := engine.Supported(ctx); err != nil {
		logger.Warn("facilitator capability check failed", zap.Error(err))
	} else if !ok {
		return fmt.Errorf("facilitator does not support %s on %s", cfg.Scheme, cfg.Network)
	}

	if serveSeedMerchant {
		if err := seedDemoMerchant(ctx, engine, cfg, logger); err != nil {
			return err
		}
	}

	opts := []tiphttp.ServerOption{
		tiphttp.WithEngine(engine),
		tiphttp.WithServerLogger(logger),
		tiphttp.WithCORSOrigins(cfg.Server.CORSOrigins...),
	}
	if serveFacilitator {
		opts = append(opts,
			tiphttp.WithFacilitator(facilitator),
			tiphttp.WithAuthSecret(cfg.Server.AuthSecret))
	}

	addr := cfg.Server.Addr
	if serveAddr != "" {
		addr = serveAddr
	}
	return tiphttp.NewServer(opts...).ListenAndServe(ctx, addr)
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (tipengine.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Info("using in-memory store")
		return memory.New(), func() {}, nil
	}

	store, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, nil, err
	}
	logger.Info("using postgres store")
	return store, store.Close, nil
}

func newFacilitator(ctx context.Context, cfg *config.Config, logger *zap.Logger) (tipengine.FacilitatorClient, func(), error) {
	if cfg.Facilitator.Remote() {
		fc := &tiphttp.FacilitatorConfig{
			URL:     cfg.Facilitator.URL,
			Timeout: cfg.Facilitator.Timeout,
		}
		if cfg.Facilitator.APIKey != "" {
			fc.AuthProvider = tiphttp.NewJWTAuthProvider(cfg.Facilitator.APIKey, "tipengine", 5*time.Minute)
		}
		logger.Info("using remote facilitator", zap.String("url", cfg.Facilitator.URL))
		return tiphttp.NewHTTPFacilitatorClient(fc), func() {}, nil
	}

	if cfg.Facilitator.PrivateKey != "" {
		signer, err := evmsigners.NewFacilitatorSigner(ctx, cfg.Facilitator.PrivateKey, cfg.Facilitator.RPCURL, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create facilitator signer: %w", err)
		}
		logger.Info("using local facilitator", zap.String("address", signer.GetAddresses()[0]))
		return evm.NewExactEvmFacilitator(signer, evm.WithNetworks(cfg.Network)), signer.Close, nil
	}

	network, err := evm.GetNetworkConfig(cfg.Network)
	if err != nil {
		return nil, nil, err
	}
	logger.Warn("no facilitator configured, settling against a simulated chain")
	chain := evmsigners.NewSimulatedSigner("0x000000000000000000000000000000000000fac1", network.ChainID)
	return evm.NewExactEvmFacilitator(chain, evm.WithNetworks(cfg.Network)), func() {}, nil
}

func seedDemoMerchant(ctx context.Context, engine *tipengine.Engine, cfg *config.Config, logger *zap.Logger) error {
	if _, err := engine.GetMerchant(ctx, demoMerchantSlug); err == nil {
		return nil
	} else if !tipengine.IsKind(err, tipengine.KindNotFound) {
		return err
	}

	req := tipengine.RegisterMerchantRequest{
		ID:            demoMerchantID,
		Name:          "Demo Cafe",
		Slug:          demoMerchantSlug,
		WalletAddress: demoMerchantWallet,
	}
	if cfg.SplitFile != "" {
		shares, err := config.LoadSplitFile(cfg.SplitFile)
		if err != nil {
			return err
		}
		req.SplitConfig = shares
	}

	merchant, err := engine.RegisterMerchant(ctx, req)
	if err != nil {
		return err
	}
	logger.Info("demo merchant registered", zap.String("merchant_id", merchant.ID))
	return nil
}
