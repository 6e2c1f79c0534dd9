package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fiscalmind/fiscalmind-gateway/internal/backend"
	"github.com/fiscalmind/fiscalmind-gateway/internal/fiscal"
	"github.com/fiscalmind/fiscalmind-gateway/internal/gateway"
	"github.com/fiscalmind/fiscalmind-gateway/internal/metrics"
	"github.com/fiscalmind/fiscalmind-gateway/internal/uploads"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	cfgFile string
	logger  *zap.SugaredLogger
	// logLevel is shared by every core so config reloads can change it.
	logLevel = zap.NewAtomicLevel()
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fiscalmind",
		Short: "Client and local gateway for the FiscalMind tax API",
		Long: `fiscalmind talks to the FiscalMind backend: CFOP/NCM validation,
	tax questions and spreadsheet uploads. The backend address is discovered
	by probing the configured URL and the local candidate ports, cached, and
	rediscovered automatically when the backend stops answering.`,
		SilenceUsage: true,
	}

	viper, err := SetupViper(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "setting up configuration: %v\n", err)
		os.Exit(1)
	}

	cmd.PersistentPreRunE = initializeLogging(viper)

	cmd.AddCommand(
		newVersionCommand(),
		newValidateCommand(viper),
		newAskCommand(viper),
		newUploadCommand(viper),
		newFilesCommand(viper),
		newMetricsCommand(viper),
		newHealthCommand(viper),
		newBackendCommand(viper),
		newServeCommand(viper),
	)

	return cmd
}

// initializeLogging loads the configuration and sets up the logger from it
func initializeLogging(viper *viper.Viper) func(*cobra.Command, []string) error {
	return func(c *cobra.Command, s []string) error {
		LoadOptions(viper)

		level := viper.GetString("log-level")
		format := viper.GetString("log-format")

		var config zap.Config
		if format == "console" {
			config = zap.NewDevelopmentConfig()
		} else {
			config = zap.NewProductionConfig()
		}

		logLevel.SetLevel(parseLogLevel(level))
		config.Level = logLevel
		// stdout carries command output
		config.OutputPaths = []string{"stderr"}
		config.ErrorOutputPaths = []string{"stderr"}

		baseLogger, err := config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if path := viper.GetString("log-file"); path != "" {
			rotating := &lumberjack.Logger{
				Filename:   path,
				MaxSize:    100,
				MaxBackups: 5,
				MaxAge:     30,
				Compress:   true,
			}
			fileCore := zapcore.NewCore(
				zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
				zapcore.AddSync(rotating),
				config.Level,
			)
			baseLogger = baseLogger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
				return zapcore.NewTee(core, fileCore)
			}))
		}

		logger = baseLogger.Sugar()
		return nil
	}
}

func parseLogLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zap.DebugLevel
	case "info":
		return zap.InfoLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// app holds the components shared by every command.
type app struct {
	metrics  *metrics.Metrics
	locator  *backend.Locator
	gateway  *gateway.Gateway
	client   *fiscal.Client
	registry *uploads.Registry
	closers  []func() error
}

func newApp(viper *viper.Viper, reg prometheus.Registerer) (*app, error) {
	m := metrics.NewMetrics(reg)

	locator := backend.NewLocator(
		backend.WithConfiguredURL(viper.GetString("api-url")),
		backend.WithCandidateURLs(backend.PortCandidates(
			viper.GetString("candidate-host"),
			viper.GetIntSlice("candidate-ports"),
		)),
		backend.WithProbeTimeout(viper.GetDuration("probe-timeout")),
		backend.WithLogger{Logger: logger},
		backend.WithMetrics{Metrics: m},
	)

	gw := gateway.NewGateway(locator,
		gateway.WithRequestTimeout(viper.GetDuration("request-timeout")),
		gateway.WithLogger{Logger: logger},
		gateway.WithMetrics{Metrics: m},
	)

	client := fiscal.NewClient(gw,
		fiscal.WithMaxUploadSize(viper.GetInt64("max-upload-size")),
		fiscal.WithUploadTimeout(viper.GetDuration("upload-timeout")),
		fiscal.WithLogger{Logger: logger},
	)

	a := &app{
		metrics: m,
		locator: locator,
		gateway: gw,
		client:  client,
	}

	store, err := a.newUploadStore(viper)
	if err != nil {
		return nil, err
	}
	a.registry = uploads.NewRegistry(store,
		uploads.WithLogger{Logger: logger},
		uploads.WithMetrics{Metrics: m},
	)

	logger.Debugw("Components initialized",
		"api_url", viper.GetString("api-url"),
		"candidates", len(locator.Candidates()),
		"upload_store", store.Name(),
	)
	return a, nil
}

func (a *app) newUploadStore(viper *viper.Viper) (uploads.Store, error) {
	switch kind := viper.GetString("upload-store"); kind {
	case "", "file":
		path := viper.GetString("upload-file")
		if path == "" {
			path = uploads.DefaultFilePath()
		}
		return uploads.NewFileStore(path), nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     viper.GetString("redis-addr"),
			Password: viper.GetString("redis-password"),
			DB:       viper.GetInt("redis-db"),
		})
		a.closers = append(a.closers, rdb.Close)
		return uploads.NewRedisStore(rdb, viper.GetString("redis-key")), nil
	case "etcd":
		cli, err := clientv3.New(clientv3.Config{
			Endpoints:   viper.GetStringSlice("etcd-endpoints"),
			DialTimeout: 5 * time.Second,
			Logger:      logger.Desugar(),
		})
		if err != nil {
			return nil, fmt.Errorf("creating etcd client: %w", err)
		}
		a.closers = append(a.closers, cli.Close)
		return uploads.NewEtcdStore(cli, viper.GetString("etcd-key")), nil
	default:
		return nil, fmt.Errorf("unknown upload store %q (want file, redis or etcd)", kind)
	}
}

func (a *app) Close() {
	for _, closeFn := range a.closers {
		if err := closeFn(); err != nil {
			logger.Debugw("Failed to close client", "error", err)
		}
	}
}

// withApp builds the shared components for a command and closes them after it.
func withApp(viper *viper.Viper, fn func(cmd *cobra.Command, args []string, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(viper, prometheus.DefaultRegisterer)
		if err != nil {
			return err
		}
		defer a.Close()

		return fn(cmd, args, a)
	}
}

// printResult writes v as indented JSON when --output=json, otherwise runs text.
func printResult(cmd *cobra.Command, viper *viper.Viper, v interface{}, text func(w io.Writer)) error {
	out := cmd.OutOrStdout()
	if viper.GetString("output") == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(out)
	return nil
}
