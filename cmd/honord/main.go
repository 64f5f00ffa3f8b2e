package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/meiyolab/honorledger/internal/checkout"
	"github.com/meiyolab/honorledger/internal/httpapi"
	"github.com/meiyolab/honorledger/internal/rankfeed"
	"github.com/meiyolab/honorledger/internal/store/gormstore"
	"github.com/meiyolab/honorledger/internal/store/pgstore"
	"github.com/meiyolab/honorledger/pkg/ledger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL        = "database-url"
	flagListenAddr         = "listen-addr"
	flagAllowedOrigins     = "allowed-origins"
	flagJWTSigningKey      = "jwt-signing-key"
	flagJWTIssuer          = "jwt-issuer"
	flagWebhookSecret      = "webhook-secret"
	flagMinChargeAmount    = "min-charge-amount"
	flagDebitTiers         = "debit-tiers"
	flagRankingSize        = "ranking-size"
	flagProviderSimulated  = "provider-simulated"
	flagProviderBaseURL    = "provider-base-url"
	flagProviderSecretKey  = "provider-secret-key"
	flagProviderSuccessURL = "provider-success-url"
	flagProviderCancelURL  = "provider-cancel-url"
	flagPostgresNative     = "postgres-native"

	defaultDatabaseURL = "sqlite:///tmp/honorledger.db"
	defaultListenAddr  = ":8080"
	defaultDebitTiers  = "1,10,100"
)

type runtimeConfig struct {
	DatabaseURL        string
	ListenAddr         string
	AllowedOrigins     string
	JWTSigningKey      string
	JWTIssuer          string
	WebhookSecret      string
	MinChargeAmount    int64
	DebitTiers         []int64
	RankingSize        int
	ProviderSimulated  bool
	ProviderBaseURL    string
	ProviderSecretKey  string
	ProviderSuccessURL string
	ProviderCancelURL  string
	PostgresNative     bool
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "honord: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "honord",
		Short:         "Honor ledger HTTP server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "sqlite path or PostgreSQL connection string")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated CORS origins")
	cmd.Flags().String(flagJWTSigningKey, "", "HS256 signing key for bearer tokens")
	cmd.Flags().String(flagJWTIssuer, "", "expected JWT issuer (optional)")
	cmd.Flags().String(flagWebhookSecret, "", "shared secret for provider webhook signatures")
	cmd.Flags().Int64(flagMinChargeAmount, 100, "minimum top-up amount")
	cmd.Flags().String(flagDebitTiers, defaultDebitTiers, "comma-separated accepted spend amounts")
	cmd.Flags().Int(flagRankingSize, rankfeed.DefaultSize, "leaderboard size")
	cmd.Flags().Bool(flagProviderSimulated, false, "use the simulated payment provider")
	cmd.Flags().String(flagProviderBaseURL, "", "payment provider API base URL")
	cmd.Flags().String(flagProviderSecretKey, "", "payment provider API key")
	cmd.Flags().String(flagProviderSuccessURL, "", "checkout success redirect URL")
	cmd.Flags().String(flagProviderCancelURL, "", "checkout cancel redirect URL")
	cmd.Flags().Bool(flagPostgresNative, false, "use the pgx store instead of GORM for PostgreSQL")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.SetEnvPrefix("HONORD")
	viper.AutomaticEnv()

	envBindings := map[string]string{
		flagDatabaseURL:   "DATABASE_URL",
		flagListenAddr:    "LISTEN_ADDR",
		flagJWTSigningKey: "JWT_SIGNING_KEY",
		flagWebhookSecret: "WEBHOOK_SECRET",
	}
	for key, env := range envBindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}
	for _, name := range []string{
		flagDatabaseURL, flagListenAddr, flagAllowedOrigins, flagJWTSigningKey,
		flagJWTIssuer, flagWebhookSecret, flagMinChargeAmount, flagDebitTiers,
		flagRankingSize, flagProviderSimulated, flagProviderBaseURL,
		flagProviderSecretKey, flagProviderSuccessURL, flagProviderCancelURL,
		flagPostgresNative,
	} {
		if err := viper.BindPFlag(name, cmd.Flags().Lookup(name)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(flagDatabaseURL)
	cfg.ListenAddr = viper.GetString(flagListenAddr)
	cfg.AllowedOrigins = viper.GetString(flagAllowedOrigins)
	cfg.JWTSigningKey = viper.GetString(flagJWTSigningKey)
	cfg.JWTIssuer = viper.GetString(flagJWTIssuer)
	cfg.WebhookSecret = viper.GetString(flagWebhookSecret)
	cfg.MinChargeAmount = viper.GetInt64(flagMinChargeAmount)
	cfg.RankingSize = viper.GetInt(flagRankingSize)
	cfg.ProviderSimulated = viper.GetBool(flagProviderSimulated)
	cfg.ProviderBaseURL = viper.GetString(flagProviderBaseURL)
	cfg.ProviderSecretKey = viper.GetString(flagProviderSecretKey)
	cfg.ProviderSuccessURL = viper.GetString(flagProviderSuccessURL)
	cfg.ProviderCancelURL = viper.GetString(flagProviderCancelURL)
	cfg.PostgresNative = viper.GetBool(flagPostgresNative)

	tiers, err := parseTiers(viper.GetString(flagDebitTiers))
	if err != nil {
		return err
	}
	cfg.DebitTiers = tiers

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database url is required")
	}
	if cfg.JWTSigningKey == "" {
		return fmt.Errorf("jwt signing key is required")
	}
	if cfg.WebhookSecret == "" {
		return fmt.Errorf("webhook secret is required")
	}
	if !cfg.ProviderSimulated && (cfg.ProviderBaseURL == "" || cfg.ProviderSecretKey == "") {
		return fmt.Errorf("provider base url and secret key are required unless --%s is set", flagProviderSimulated)
	}
	return nil
}

func parseTiers(raw string) ([]int64, error) {
	parts := strings.Split(raw, ",")
	tiers := make([]int64, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		tier, err := strconv.ParseInt(trimmed, 10, 64)
		if err != nil || tier <= 0 {
			return nil, fmt.Errorf("invalid debit tier %q", trimmed)
		}
		tiers = append(tiers, tier)
	}
	if len(tiers) == 0 {
		return nil, fmt.Errorf("at least one debit tier is required")
	}
	return tiers, nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("store open: %w", err)
	}
	defer cleanup()

	feed := rankfeed.New(store, cfg.RankingSize, logger)
	clock := func() int64 { return time.Now().UTC().Unix() }
	ledgerService, err := ledger.NewService(store, clock,
		ledger.WithOperationLogger(ledger.NewZapOperationLogger(logger)),
		ledger.WithChangePublisher(feed),
		ledger.WithDebitTiers(cfg.DebitTiers),
	)
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	checkoutClient, err := buildCheckoutClient(cfg)
	if err != nil {
		return fmt.Errorf("checkout client init: %w", err)
	}
	verifier, err := checkout.NewSignatureVerifier(cfg.WebhookSecret, nil)
	if err != nil {
		return fmt.Errorf("signature verifier init: %w", err)
	}

	server, err := httpapi.New(httpapi.Config{
		ListenAddr:      cfg.ListenAddr,
		AllowedOrigins:  httpapi.ParseAllowedOrigins(cfg.AllowedOrigins),
		JWTSigningKey:   cfg.JWTSigningKey,
		JWTIssuer:       cfg.JWTIssuer,
		MinChargeAmount: cfg.MinChargeAmount,
		RankingSize:     cfg.RankingSize,
	}, logger, ledgerService, checkoutClient, verifier, feed)
	if err != nil {
		return fmt.Errorf("http api init: %w", err)
	}

	go func() {
		if err := feed.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("ranking feed stopped", zap.Error(err))
		}
	}()
	return server.Run(ctx)
}

func buildCheckoutClient(cfg *runtimeConfig) (checkout.Client, error) {
	if cfg.ProviderSimulated {
		return checkout.NewSimulator(cfg.ProviderSuccessURL), nil
	}
	return checkout.NewHTTPClient(checkout.HTTPClientConfig{
		BaseURL:    cfg.ProviderBaseURL,
		SecretKey:  cfg.ProviderSecretKey,
		SuccessURL: cfg.ProviderSuccessURL,
		CancelURL:  cfg.ProviderCancelURL,
	})
}

func openStore(ctx context.Context, cfg *runtimeConfig) (ledger.Store, func(), error) {
	driver, sqlitePath, err := resolveDriver(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}

	if driver == "postgres" && cfg.PostgresNative {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return pgstore.New(pool), pool.Close, nil
	}

	var db *gorm.DB
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	// Per-request contexts flow through the store methods; binding the
	// process context here would abort in-flight transactions on SIGTERM.
	store := gormstore.New(db)
	if err := store.AutoMigrate(); err != nil {
		_ = sqlDB.Close()
		return nil, nil, fmt.Errorf("auto migrate: %w", err)
	}
	return store, func() { _ = sqlDB.Close() }, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "honorledger.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
