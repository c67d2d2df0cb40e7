package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ascent-team/ascent-core/internal/authkit"
	"github.com/ascent-team/ascent-core/internal/channel"
	"github.com/ascent-team/ascent-core/internal/token"
	"github.com/ascent-team/ascent-core/internal/userstore"
	"github.com/ascent-team/ascent-core/internal/web"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var newLogger = func() (*zap.Logger, error) {
	return zap.NewProduction()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "ascent-core",
		Short:   "Ascent collaboration backend: accounts, JWT sessions and the project chat channel",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.PersistentFlags().String("database_url", "sqlite://ascent.db", "Database URL for accounts (postgres:// or sqlite://)")
	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("jwt_secret", "", "HS256 signing secret shared by access and refresh tokens")
	rootCmd.Flags().Duration("access_ttl", 30*time.Minute, "Access token TTL")
	rootCmd.Flags().Duration("refresh_ttl", 14*24*time.Hour, "Refresh token TTL")
	rootCmd.Flags().String("redis_addr", "", "Redis address for refresh tokens; leave empty for the in-memory store")
	rootCmd.Flags().String("redis_password", "", "Redis password")
	rootCmd.Flags().Int("redis_db", 0, "Redis database number")
	rootCmd.Flags().Int("login_rate_per_minute", 10, "Login attempts allowed per client ip per minute; 0 disables throttling")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Browser origins allowed for the API and the /ws channel; empty disables CORS")
	rootCmd.Flags().StringSlice("trusted_proxies", []string{}, "Proxy IPs or CIDRs whose X-Forwarded-For is honoured; empty trusts none")

	_ = viper.BindPFlag("database_url", rootCmd.PersistentFlags().Lookup("database_url"))
	_ = viper.BindPFlag("listen_addr", rootCmd.Flags().Lookup("listen_addr"))
	_ = viper.BindPFlag("jwt_secret", rootCmd.Flags().Lookup("jwt_secret"))
	_ = viper.BindPFlag("access_ttl", rootCmd.Flags().Lookup("access_ttl"))
	_ = viper.BindPFlag("refresh_ttl", rootCmd.Flags().Lookup("refresh_ttl"))
	_ = viper.BindPFlag("redis_addr", rootCmd.Flags().Lookup("redis_addr"))
	_ = viper.BindPFlag("redis_password", rootCmd.Flags().Lookup("redis_password"))
	_ = viper.BindPFlag("redis_db", rootCmd.Flags().Lookup("redis_db"))
	_ = viper.BindPFlag("login_rate_per_minute", rootCmd.Flags().Lookup("login_rate_per_minute"))
	_ = viper.BindPFlag("cors_allowed_origins", rootCmd.Flags().Lookup("cors_allowed_origins"))
	_ = viper.BindPFlag("trusted_proxies", rootCmd.Flags().Lookup("trusted_proxies"))

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	rootCmd.AddCommand(newPromoteCommand())
	return rootCmd
}

const (
	configCodeMissingJWTSecret        = "config.missing_jwt_secret"
	configCodeInvalidAccessTTL        = "config.invalid_access_ttl"
	configCodeInvalidRefreshTTL       = "config.invalid_refresh_ttl"
	configCodeRefreshNotLonger        = "config.refresh_not_longer_than_access"
	configCodeInvalidLoginRate        = "config.invalid_login_rate"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeDatabaseOpen            = "config.database_open"
	configCodeRedisUnreachable        = "config.redis_unreachable"
	configCodeInvalidCORSOrigins      = "config.invalid_cors_origins"
	configCodeInvalidTrustedProxies   = "config.invalid_trusted_proxies"
	configCodeMissingEmail            = "config.missing_email"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServerConfig reads and validates the token and throttling settings from viper.
func LoadServerConfig() (authkit.ServerConfig, error) {
	jwtSecret := viper.GetString("jwt_secret")
	if jwtSecret == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingJWTSecret, "jwt_secret must be provided")
	}

	accessTTL := viper.GetDuration("access_ttl")
	if accessTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidAccessTTL, "access_ttl must be greater than zero")
	}

	refreshTTL := viper.GetDuration("refresh_ttl")
	if refreshTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_ttl must be greater than zero")
	}
	if refreshTTL <= accessTTL {
		return authkit.ServerConfig{}, configError(configCodeRefreshNotLonger, "refresh_ttl must be longer than access_ttl")
	}

	loginRate := viper.GetInt("login_rate_per_minute")
	if loginRate < 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidLoginRate, "login_rate_per_minute must not be negative")
	}

	return authkit.ServerConfig{
		SigningKey:         []byte(jwtSecret),
		AccessTTL:          accessTTL,
		RefreshTTL:         refreshTTL,
		LoginRatePerMinute: loginRate,
	}, nil
}

// runtimeSettings are the infrastructure endpoints read at startup.
type runtimeSettings struct {
	DatabaseURL    string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	AllowedOrigins []string
	TrustedProxies []string
}

func loadRuntimeSettings() runtimeSettings {
	return runtimeSettings{
		DatabaseURL:    viper.GetString("database_url"),
		RedisAddr:      viper.GetString("redis_addr"),
		RedisPassword:  viper.GetString("redis_password"),
		RedisDB:        viper.GetInt("redis_db"),
		AllowedOrigins: viper.GetStringSlice("cors_allowed_origins"),
		TrustedProxies: viper.GetStringSlice("trusted_proxies"),
	}
}

func runServer(command *cobra.Command, arguments []string) error {
	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(authkit.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	logger, loggerErr := newLogger()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	gin.SetMode(gin.ReleaseMode)
	app, buildErr := buildApplication(commandContext, serverConfig, loadRuntimeSettings(), logger)
	if buildErr != nil {
		return buildErr
	}
	defer app.Close()

	listenAddr := viper.GetString("listen_addr")
	server := &http.Server{
		Addr:              listenAddr,
		Handler:           app.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr))
	serveErr := serveHTTP(server)
	delivered, dropped := app.hub.Stats()
	logger.Info("server stopped",
		zap.String("code", "server.stopped"),
		zap.Any("auth_counters", app.metrics.Snapshot()),
		zap.Int64("chat_delivered", delivered),
		zap.Int64("chat_dropped", dropped))
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", serveErr)
	}
	return nil
}

type application struct {
	router  *gin.Engine
	users   *userstore.Store
	redis   *redis.Client
	metrics *authkit.CounterMetrics
	hub     *channel.Hub
}

// Close releases the database pool and the redis client.
func (app *application) Close() {
	if app.redis != nil {
		_ = app.redis.Close()
	}
	if app.users != nil {
		_ = app.users.Close()
	}
}

func buildApplication(ctx context.Context, serverConfig authkit.ServerConfig, settings runtimeSettings, logger *zap.Logger) (*application, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	app := &application{metrics: authkit.NewCounterMetrics()}

	users, openErr := userstore.Open(ctx, settings.DatabaseURL, logger)
	if openErr != nil {
		return nil, fmt.Errorf("%s: %w", configCodeDatabaseOpen, openErr)
	}
	app.users = users
	logger.Info("account store ready", zap.String("driver", users.Driver()))

	var sessions authkit.SessionStore
	if settings.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     settings.RedisAddr,
			Password: settings.RedisPassword,
			DB:       settings.RedisDB,
		})
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		pingErr := client.Ping(pingCtx).Err()
		pingCancel()
		if pingErr != nil {
			_ = client.Close()
			app.Close()
			return nil, fmt.Errorf("%s: %w", configCodeRedisUnreachable, pingErr)
		}
		app.redis = client
		sessions = authkit.NewRedisSessionStore(client)
		logger.Info("using redis session store", zap.String("addr", settings.RedisAddr))
	} else {
		sessions = authkit.NewMemorySessionStore(nil)
		logger.Info("using in-memory session store")
	}

	codec, codecErr := token.New(token.Config{
		SigningKey: serverConfig.SigningKey,
		AccessTTL:  serverConfig.AccessTTL,
		RefreshTTL: serverConfig.RefreshTTL,
	})
	if codecErr != nil {
		app.Close()
		return nil, codecErr
	}

	service, serviceErr := authkit.NewService(authkit.ServiceDependencies{
		Users:    users,
		Hasher:   userstore.NewBcryptHasher(bcrypt.DefaultCost),
		Codec:    codec,
		Sessions: sessions,
		Metrics:  app.metrics,
		Logger:   logger,
	})
	if serviceErr != nil {
		app.Close()
		return nil, serviceErr
	}

	router := gin.New()
	// Client ips feed the login throttle, so forwarded headers count only from listed proxies.
	if proxyErr := router.SetTrustedProxies(trustedProxies(settings.TrustedProxies)); proxyErr != nil {
		app.Close()
		return nil, fmt.Errorf("%s: %w", configCodeInvalidTrustedProxies, proxyErr)
	}
	router.Use(gin.Recovery())
	router.Use(web.AccessLog(logger))

	var allowedOrigins []string
	if len(settings.AllowedOrigins) > 0 {
		normalized, originErr := web.NormalizeOrigins(logger, settings.AllowedOrigins)
		if originErr != nil {
			app.Close()
			return nil, fmt.Errorf("%s: %w", configCodeInvalidCORSOrigins, originErr)
		}
		corsMiddleware, corsErr := web.CrossOrigin(logger, normalized)
		if corsErr != nil {
			app.Close()
			return nil, fmt.Errorf("%s: %w", configCodeInvalidCORSOrigins, corsErr)
		}
		router.Use(corsMiddleware)
		allowedOrigins = normalized
	}

	router.Use(authkit.NewGate(codec, users, app.metrics, logger).Middleware())

	api := router.Group("/api")
	authkit.MountAuthRoutes(api, service, authkit.NewLoginLimiter(serverConfig.LoginRatePerMinute), logger)

	me := api.Group("/users/me", authkit.RequireAuthenticated())
	me.GET("", web.HandleWhoAmI(logger, users))
	me.PATCH("/nickname", web.HandleUpdateNickname(logger, users))

	admin := api.Group("/admin", authkit.RequireRole(userstore.RoleAdmin))
	admin.POST("/users/:id/deactivate", web.HandleDeactivateUser(logger, users, service))

	app.hub = channel.NewHub(logger)
	chat := channel.NewServer(channel.NewHandshakeGuard(codec, users, logger), app.hub, channel.ServerConfig{
		AllowedOrigins: allowedOrigins,
	}, logger)
	router.GET("/ws", chat.Handler())

	app.router = router
	return app, nil
}

func newPromoteCommand() *cobra.Command {
	promoteCmd := &cobra.Command{
		Use:   "promote",
		Short: "Grant the ADMIN role to an existing account",
		RunE:  runPromote,
	}
	promoteCmd.Flags().String("email", "", "Email of the account to promote")
	return promoteCmd
}

func runPromote(command *cobra.Command, arguments []string) error {
	email, _ := command.Flags().GetString("email")
	if strings.TrimSpace(email) == "" {
		return configError(configCodeMissingEmail, "email must be provided")
	}

	logger, loggerErr := newLogger()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	ctx := command.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	users, openErr := userstore.Open(ctx, viper.GetString("database_url"), logger)
	if openErr != nil {
		return fmt.Errorf("%s: %w", configCodeDatabaseOpen, openErr)
	}
	defer func() { _ = users.Close() }()

	user, lookupErr := users.FindByEmail(ctx, email)
	if lookupErr != nil {
		return fmt.Errorf("promote: %w", lookupErr)
	}
	promoted, roleErr := users.SetRole(ctx, user.ID, userstore.RoleAdmin)
	if roleErr != nil {
		return fmt.Errorf("promote: %w", roleErr)
	}
	logger.Info("account promoted",
		zap.String("code", "cli.promote.success"),
		zap.Uint64("user_id", promoted.ID))
	_, _ = fmt.Fprintf(command.OutOrStdout(), "promoted %s (id %d) to %s\n", promoted.Email, promoted.ID, promoted.Role)
	return nil
}

func trustedProxies(configured []string) []string {
	var proxies []string
	for _, proxy := range configured {
		if trimmed := strings.TrimSpace(proxy); trimmed != "" {
			proxies = append(proxies, trimmed)
		}
	}
	return proxies
}
