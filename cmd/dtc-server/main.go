package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/dtc/internal/auth"
	"github.com/MarcoPoloResearchLab/dtc/internal/config"
	"github.com/MarcoPoloResearchLab/dtc/internal/docstore"
	"github.com/MarcoPoloResearchLab/dtc/internal/logging"
	"github.com/MarcoPoloResearchLab/dtc/internal/school"
	"github.com/MarcoPoloResearchLab/dtc/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const serviceName = "dtc-server"

var (
	cfgFile    string
	dotEnvFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   serviceName,
		Short: "Driving school sync server",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&dotEnvFile, "env-file", ".env", "Optional dotenv file loaded before configuration")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("store-path", defaults.GetString("store.path"), "Path of the JSON state document")
	cmd.PersistentFlags().Bool("serialize-writes", defaults.GetBool("store.serialize_writes"), "Serialize document read-modify-write cycles")
	cmd.PersistentFlags().Int("cache-ttl-seconds", defaults.GetInt("store.cache_ttl_seconds"), "Seconds a decoded document stays cached (0 disables)")
	cmd.PersistentFlags().Int("heartbeat-seconds", defaults.GetInt("events.heartbeat_seconds"), "Seconds between event stream heartbeats")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("sync-key", "", "Shared sync key (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "store.path", "store-path")
	bindFlag(cmd, "store.serialize_writes", "serialize-writes")
	bindFlag(cmd, "store.cache_ttl_seconds", "cache-ttl-seconds")
	bindFlag(cmd, "events.heartbeat_seconds", "heartbeat-seconds")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "sync.key", "sync-key")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := config.LoadDotEnv(dotEnvFile); err != nil {
		return err
	}

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

func runServer(ctx context.Context) error {
	appConfig, err := config.LoadServer(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, serviceName)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	store, err := docstore.New(docstore.Config{
		Path:            appConfig.StorePath,
		SerializeWrites: appConfig.SerializeWrites,
		CacheTTL:        appConfig.CacheTTL,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	keyValidator, err := auth.NewKeyValidator(appConfig.SyncKey)
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Store:             store,
		Keys:              keyValidator,
		IDProvider:        school.NewUUIDProvider(school.PrefixAttendance),
		Clock:             time.Now,
		Logger:            logger,
		Realtime:          server.NewRealtimeDispatcher(),
		HeartbeatInterval: appConfig.HeartbeatInterval,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Event streams never go idle; deriving request contexts from the signal context ends them on shutdown.
	httpServer := &http.Server{
		Addr:        appConfig.HTTPAddress,
		Handler:     handler,
		BaseContext: func(net.Listener) context.Context { return signalCtx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("store_path", store.Path()),
			zap.Bool("serialize_writes", appConfig.SerializeWrites))
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
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
