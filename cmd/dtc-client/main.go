package main

import (
	"context"
	"errors"
	"os"

	"github.com/MarcoPoloResearchLab/dtc/internal/config"
	"github.com/MarcoPoloResearchLab/dtc/internal/database"
	"github.com/MarcoPoloResearchLab/dtc/internal/desk"
	"github.com/MarcoPoloResearchLab/dtc/internal/logging"
	"github.com/MarcoPoloResearchLab/dtc/internal/syncclient"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const serviceName = "dtc-client"

var (
	cfgFile    string
	dotEnvFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          serviceName,
		Short:        "Driving school front desk client",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newRunCommand(),
		newSyncCommand(),
		newStudentCommand(),
		newPackagesCommand(),
		newCheckInCommand(),
		newAttendanceCommand(),
		newPayCommand(),
		newPaymentCommand(),
		newKeyCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&dotEnvFile, "env-file", ".env", "Optional dotenv file loaded before configuration")
	cmd.PersistentFlags().String("server-url", defaults.GetString("server.url"), "Sync server base URL")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("interval-seconds", defaults.GetInt("sync.interval_seconds"), "Seconds between reconciliation passes")
	cmd.PersistentFlags().Int("timeout-seconds", defaults.GetInt("sync.timeout_seconds"), "Seconds before a connectivity check gives up")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("sync-key", "", "Shared sync key (a key saved on this device takes precedence)")

	bindFlag(cmd, "server.url", "server-url")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "sync.interval_seconds", "interval-seconds")
	bindFlag(cmd, "sync.timeout_seconds", "timeout-seconds")
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

// deskApp holds everything a command needs, opened once per invocation.
type deskApp struct {
	config  config.ClientConfig
	logger  *zap.Logger
	store   *database.Store
	client  *syncclient.APIClient
	state   *syncclient.SyncState
	monitor *syncclient.ConnectivityMonitor
	desk    *desk.Service
	close   func()
}

func openDeskApp() (*deskApp, error) {
	appConfig, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, serviceName)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		logger.Sync() //nolint:errcheck
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		logger.Sync() //nolint:errcheck
		return nil, err
	}
	closeAll := func() {
		sqlDB.Close() //nolint:errcheck
		logger.Sync() //nolint:errcheck
	}

	store, err := database.NewStore(database.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		closeAll()
		return nil, err
	}

	client, err := syncclient.NewAPIClient(syncclient.ClientConfig{
		BaseURL: appConfig.ServerURL,
		Key:     syncclient.StoredKey(store, appConfig.SyncKey),
		Logger:  logger,
	})
	if err != nil {
		closeAll()
		return nil, err
	}

	state := &syncclient.SyncState{}
	service, err := desk.NewService(desk.Config{
		Store:  store,
		Remote: client,
		Status: state,
		Logger: logger,
	})
	if err != nil {
		closeAll()
		return nil, err
	}

	return &deskApp{
		config:  appConfig,
		logger:  logger,
		store:   store,
		client:  client,
		state:   state,
		monitor: syncclient.NewConnectivityMonitor(client, state, appConfig.PingTimeout, logger),
		desk:    service,
		close:   closeAll,
	}, nil
}

func (a *deskApp) newReconciler() (*syncclient.Reconciler, error) {
	return syncclient.NewReconciler(syncclient.ReconcilerConfig{
		Store:       a.store,
		Client:      a.client,
		State:       a.state,
		Interval:    a.config.Interval,
		PingTimeout: a.config.PingTimeout,
		Logger:      a.logger,
	})
}

// withDeskApp opens the app for one command. When checkConnectivity is set the server is pinged
// first so operations that talk to it immediately know whether they can.
func withDeskApp(checkConnectivity bool, run func(ctx context.Context, app *deskApp, cmd *cobra.Command, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		app, err := openDeskApp()
		if err != nil {
			return err
		}
		defer app.close()

		ctx := cmd.Context()
		if checkConnectivity {
			app.monitor.Check(ctx)
		}
		return run(ctx, app, cmd, args)
	}
}
