package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/MarkoPoloResearchLab/mailcredits/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	flagConfig         = "config"
	flagDatabaseURL    = "database-url"
	flagStoreDriver    = "store-driver"
	flagHTTPListenAddr = "http-listen-addr"
	flagGRPCListenAddr = "grpc-listen-addr"
	flagSweepInterval  = "sweep-interval"
	flagRedisURL       = "redis-url"

	configKeyDatabaseURL    = "database_url"
	configKeyStoreDriver    = "store_driver"
	configKeyHTTPListenAddr = "http_listen_addr"
	configKeyGRPCListenAddr = "grpc_listen_addr"
	configKeySweepInterval  = "sweep.interval"
	configKeyRedisURL       = "sweep.redis_url"
)

// boundFlags maps persistent flags onto viper keys.
var boundFlags = map[string]string{
	flagDatabaseURL:    configKeyDatabaseURL,
	flagStoreDriver:    configKeyStoreDriver,
	flagHTTPListenAddr: configKeyHTTPListenAddr,
	flagGRPCListenAddr: configKeyGRPCListenAddr,
	flagSweepInterval:  configKeySweepInterval,
	flagRedisURL:       configKeyRedisURL,
}

// bareEnvironment keeps the unprefixed variables deployments already set.
var bareEnvironment = map[string]string{
	configKeyDatabaseURL:    "DATABASE_URL",
	configKeyGRPCListenAddr: "GRPC_LISTEN_ADDR",
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &config.Config{}
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Mail credit ledger and subscription reconciler",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(flagConfig, "", "YAML config file with plans, packages and prices")
	flags.String(flagDatabaseURL, "", "postgres:// or sqlite:// connection string")
	flags.String(flagStoreDriver, "", "store implementation: gorm or pgx")
	flags.String(flagHTTPListenAddr, "", "HTTP listen address")
	flags.String(flagGRPCListenAddr, "", "gRPC listen address")
	flags.Duration(flagSweepInterval, 0, "run grant sweeps on this interval while serving (0 disables)")
	flags.String(flagRedisURL, "", "redis URL for the sweep lease")

	cmd.AddCommand(newServeCommand(cfg), newSweepCommand(cfg), newMigrateCommand(cfg))
	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *config.Config) error {
	source := viper.New()
	for configKey, envName := range bareEnvironment {
		if err := source.BindEnv(configKey, config.EnvPrefix+"_"+envKey(configKey), envName); err != nil {
			return err
		}
	}
	for flagName, configKey := range boundFlags {
		flag := cmd.Flags().Lookup(flagName)
		if flag == nil || !flag.Changed {
			continue
		}
		if err := source.BindPFlag(configKey, flag); err != nil {
			return err
		}
	}
	configFile, err := cmd.Flags().GetString(flagConfig)
	if err != nil {
		return err
	}
	loaded, err := config.Load(source, configFile)
	if err != nil {
		return err
	}
	*cfg = loaded
	return nil
}

func envKey(configKey string) string {
	return strings.ToUpper(strings.ReplaceAll(configKey, ".", "_"))
}

func newLogger() (*zap.Logger, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	return logger, nil
}
