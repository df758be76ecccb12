package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/atelier-market/atelier/internal/auth"
	"github.com/atelier-market/atelier/internal/catalog"
	"github.com/atelier-market/atelier/internal/chain"
	"github.com/atelier-market/atelier/internal/config"
	"github.com/atelier-market/atelier/internal/database"
	"github.com/atelier-market/atelier/internal/intents"
	"github.com/atelier-market/atelier/internal/logging"
	"github.com/atelier-market/atelier/internal/purchases"
	"github.com/atelier-market/atelier/internal/queue"
	"github.com/atelier-market/atelier/internal/server"
	"github.com/atelier-market/atelier/internal/tiers"
	"github.com/atelier-market/atelier/internal/users"
)

const sessionIssuer = "atelier-api"

var cfgFile string

type uuidProvider struct{}

func (uuidProvider) NewID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "atelier-api",
		Short: "Atelier marketplace settlement service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	reconcileCmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Repair the settlement ledger and resolve stuck purchases",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile(cmd.Context())
		},
	}
	rootCmd.AddCommand(reconcileCmd)

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("rpc-endpoint", defaults.GetString("chain.rpc_endpoint"), "Solana RPC endpoint")
	cmd.PersistentFlags().String("usdc-mint", defaults.GetString("chain.usdc_mint"), "USDC mint address")
	cmd.PersistentFlags().Int("queue-workers", defaults.GetInt("queue.workers"), "Settlement worker count")
	cmd.PersistentFlags().Int("intent-ttl-minutes", defaults.GetInt("intents.ttl_minutes"), "Purchase intent TTL in minutes")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "chain.rpc_endpoint", "rpc-endpoint")
	bindFlag(cmd, "chain.usdc_mint", "usdc-mint")
	bindFlag(cmd, "queue.workers", "queue-workers")
	bindFlag(cmd, "intents.ttl_minutes", "intent-ttl-minutes")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

type application struct {
	config    config.AppConfig
	logger    *zap.Logger
	db        *gorm.DB
	catalog   *catalog.Service
	tiers     *tiers.Service
	intents   *intents.Service
	purchases *purchases.Service
	users     *users.Service
	chain     chain.Client
	sponsor   *chain.Sponsor
	settler   *chain.Settler
	queue     *queue.Queue
	realtime  *server.RealtimeDispatcher
}

func buildApplication(withQueue bool) (*application, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}

	treasuryKey, err := solana.PrivateKeyFromBase58(appConfig.TreasuryPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid treasury private key: %w", err)
	}
	usdcMint, err := solana.PublicKeyFromBase58(appConfig.USDCMint)
	if err != nil {
		return nil, fmt.Errorf("invalid usdc mint: %w", err)
	}
	fallbackPrice, err := decimal.NewFromString(appConfig.SolPriceFallback)
	if err != nil {
		return nil, fmt.Errorf("invalid sol price fallback: %w", err)
	}

	rpcClient, err := chain.NewRPCClient(appConfig.RPCEndpoint)
	if err != nil {
		return nil, err
	}
	oracle := chain.NewCoinGeckoOracle(fallbackPrice, logger)

	settler, err := chain.NewSettler(chain.SettlerConfig{
		Client:      rpcClient,
		Oracle:      oracle,
		TreasuryKey: treasuryKey,
		USDCMint:    usdcMint,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	sponsor, err := chain.NewSponsor(chain.SponsorConfig{
		Client:      rpcClient,
		TreasuryKey: treasuryKey,
		USDCMint:    usdcMint,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	ids := uuidProvider{}

	catalogService, err := catalog.NewService(db)
	if err != nil {
		return nil, err
	}
	tierService, err := tiers.NewService(tiers.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: ids,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	intentService, err := intents.NewService(intents.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: ids,
		Logger:     logger,
		TTL:        time.Duration(appConfig.IntentTTLMinutes) * time.Minute,
	})
	if err != nil {
		return nil, err
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db, Clock: time.Now})
	if err != nil {
		return nil, err
	}

	realtime := server.NewRealtimeDispatcher()

	var taskQueue *queue.Queue
	var queueRef purchases.TaskQueue
	if withQueue {
		taskQueue = queue.New(queue.Config{
			Workers: appConfig.QueueWorkers,
			Logger:  logger,
		})
		queueRef = taskQueue
	}

	purchaseService, err := purchases.NewService(purchases.ServiceConfig{
		Database:   db,
		Catalog:    catalogService,
		Tiers:      tierService,
		Intents:    intentService,
		Settlement: settler,
		Queue:      queueRef,
		Events:     realtime,
		Clock:      time.Now,
		IDProvider: ids,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	if taskQueue != nil {
		taskQueue.Register(purchases.TaskSettlePurchase, func(ctx context.Context, payload string) error {
			_, err := purchaseService.ProcessPurchase(ctx, payload)
			if errors.Is(err, chain.ErrConfirmationTimeout) {
				// Retrying could double-mint; the reconcile command owns these.
				return nil
			}
			return err
		})
	}

	return &application{
		config:    appConfig,
		logger:    logger,
		db:        db,
		catalog:   catalogService,
		tiers:     tierService,
		intents:   intentService,
		purchases: purchaseService,
		users:     userService,
		chain:     rpcClient,
		sponsor:   sponsor,
		settler:   settler,
		queue:     taskQueue,
		realtime:  realtime,
	}, nil
}

func runServer(ctx context.Context) error {
	app, err := buildApplication(true)
	if err != nil {
		return err
	}
	logger := app.logger
	defer logger.Sync() //nolint:errcheck

	sqlDB, err := app.db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(app.config.AuthSigningKey),
		Issuer:        sessionIssuer,
		CookieName:    "atelier_session",
	})
	if err != nil {
		return err
	}

	var webhookVerifier *auth.WebhookVerifier
	if app.config.WebhookSecret != "" {
		webhookVerifier, err = auth.NewWebhookVerifier([]byte(app.config.WebhookSecret))
		if err != nil {
			return err
		}
	}

	usdcMint, err := solana.PublicKeyFromBase58(app.config.USDCMint)
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:       sessionValidator,
		Users:          app.users,
		Intents:        app.intents,
		Purchases:      app.purchases,
		Tiers:          app.tiers,
		Catalog:        app.catalog,
		Balances:       app.chain,
		Sponsor:        app.sponsor,
		Webhooks:       webhookVerifier,
		Realtime:       app.realtime,
		USDCMint:       usdcMint,
		Logger:         logger,
		AllowedOrigins: app.config.AllowedOrigins,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    app.config.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app.queue.Start(signalCtx)
	go runIntentSweeper(signalCtx, app.intents, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", app.config.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.queue.Shutdown(shutdownCtx); err != nil {
			logger.Warn("queue shutdown incomplete", zap.Error(err))
		}
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runIntentSweeper expires stale purchase intents on a fixed cadence.
func runIntentSweeper(ctx context.Context, intentService *intents.Service, logger *zap.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := intentService.ExpireStale(ctx); err != nil {
				logger.Warn("intent sweep failed", zap.Error(err))
			}
		}
	}
}

func runReconcile(ctx context.Context) error {
	app, err := buildApplication(false)
	if err != nil {
		return err
	}
	logger := app.logger
	defer logger.Sync() //nolint:errcheck

	sqlDB, err := app.db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	report, err := app.purchases.Reconcile(ctx)
	if err != nil {
		return err
	}
	logger.Info("reconcile finished",
		zap.Int("ledgers_backfilled", report.LedgersBackfilled),
		zap.Int("stuck_recovered", report.StuckRecovered),
		zap.Int("stuck_failed", report.StuckFailed),
		zap.Int("sales_attributed", report.SalesAttributed))
	return nil
}
