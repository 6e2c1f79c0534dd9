package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func SetupViper(cmd *cobra.Command) (*viper.Viper, error) {
	cmd.PersistentFlags().StringVar(&cfgFile, "config", ".fiscalmind.yaml", "config file")

	flags := cmd.PersistentFlags()

	// Backend discovery
	flags.String("api-url", "", "Preferred backend base URL, probed before the default ports")
	flags.String("candidate-host", "localhost", "Host probed on the candidate ports")
	flags.IntSlice("candidate-ports", []int{8000, 8001}, "Candidate backend ports in probe order; the first is the fallback")
	flags.Duration("probe-timeout", 2*time.Second, "Timeout for each backend liveness probe")

	// Requests
	flags.Duration("request-timeout", 30*time.Second, "Timeout for ordinary backend requests")
	flags.Duration("upload-timeout", 30*time.Second, "Timeout for spreadsheet uploads")
	flags.Int64("max-upload-size", 10<<20, "Largest spreadsheet accepted for upload, in bytes")

	// Upload list cache
	flags.String("upload-store", "file", "Where the upload list is kept (file, redis, etcd)")
	flags.String("upload-file", "", "Upload list file for the file store (empty uses the user config dir)")
	flags.String("redis-addr", "localhost:6379", "Redis address for the redis store")
	flags.String("redis-password", "", "Redis password for the redis store")
	flags.Int("redis-db", 0, "Redis database for the redis store")
	flags.String("redis-key", "fiscalmind:uploads", "Redis key holding the upload list")
	flags.StringSlice("etcd-endpoints", []string{"localhost:2379"}, "etcd endpoints for the etcd store")
	flags.String("etcd-key", "/fiscalmind/uploads", "etcd key holding the upload list")

	// Daemon
	flags.String("listen-address", ":8080", "Address for the local HTTP daemon")
	flags.String("grpc-address", ":9090", "Address for the gRPC health service (empty disables it)")
	flags.Duration("health-interval", 5*time.Second, "How often the gRPC health status is refreshed")
	flags.Duration("shutdown-timeout", 5*time.Second, "Graceful shutdown timeout for the daemon")

	// Observability
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("log-format", "console", "Log format (json, console)")
	flags.String("log-file", "", "Also write logs to this file, rotated")
	flags.String("output", "text", "Command output format (text, json)")

	viper := viper.New()

	if err := viper.BindPFlags(flags); err != nil {
		return nil, fmt.Errorf("binding flags: %w", err)
	}

	return viper, nil
}

func LoadOptions(viper *viper.Viper) {
	viper.SetConfigType("yaml")
	viper.SetConfigFile(cfgFile)

	// API_URL, REQUEST_TIMEOUT, ... map onto api-url, request-timeout, ...
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	// Try to read config file if it exists, but don't fail if it doesn't
	if err := viper.ReadInConfig(); err == nil {
		viper.OnConfigChange(reloadConfig(viper))
		viper.WatchConfig()
	}
}

// reloadConfig applies log-level edits to the running process. Everything
// else is read when a command starts, so a running daemon keeps its old
// values until restarted.
func reloadConfig(viper *viper.Viper) func(fsnotify.Event) {
	return func(e fsnotify.Event) {
		level := parseLogLevel(viper.GetString("log-level"))
		previous := logLevel.Level()
		logLevel.SetLevel(level)

		if logger == nil {
			return
		}
		logger.Infow("Configuration file changed",
			"file", e.Name,
			"op", e.Op.String(),
			"log_level", level.String(),
			"previous_log_level", previous.String(),
		)
	}
}
