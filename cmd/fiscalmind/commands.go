package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fiscalmind/fiscalmind-gateway/internal/config"
	"github.com/fiscalmind/fiscalmind-gateway/internal/fiscal"
	"github.com/fiscalmind/fiscalmind-gateway/internal/health"
	"github.com/fiscalmind/fiscalmind-gateway/internal/server"
	"github.com/fiscalmind/fiscalmind-gateway/internal/uploads"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func newValidateCommand(viper *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate fiscal codes",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "cfop CODE",
		Short: "Validate a CFOP code",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(viper, func(cmd *cobra.Command, args []string, a *app) error {
			result, err := a.client.ValidateCFOP(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printResult(cmd, viper, result, func(w io.Writer) {
				if !result.Valido {
					fmt.Fprintf(w, "CFOP %s: inválido %s\n", result.CFOP, result.Erro)
					return
				}
				fmt.Fprintf(w, "CFOP %s: válido\n", result.CFOP)
				fmt.Fprintf(w, "  grupo:    %s\n", result.DescricaoGrupo)
				fmt.Fprintf(w, "  destino:  %s\n", result.Destino)
				fmt.Fprintf(w, "  natureza: %s\n", result.Natureza)
			})
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "ncm CODE",
		Short: "Validate an NCM code",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(viper, func(cmd *cobra.Command, args []string, a *app) error {
			result, err := a.client.ValidateNCM(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printResult(cmd, viper, result, func(w io.Writer) {
				if !result.Valido {
					fmt.Fprintf(w, "NCM %s: inválido %s\n", result.NCM, result.Erro)
					return
				}
				fmt.Fprintf(w, "NCM %s: válido\n", result.NCM)
				fmt.Fprintf(w, "  formatado: %s\n", result.NCMFormatado)
				fmt.Fprintf(w, "  categoria: %s\n", result.Categoria)
				fmt.Fprintf(w, "  capítulo:  %s\n", result.Capitulo)
			})
		}),
	})

	return cmd
}

func newAskCommand(viper *viper.Viper) *cobra.Command {
	var fileID string

	cmd := &cobra.Command{
		Use:   "ask QUESTION...",
		Short: "Ask the tax advisory service a question",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(viper, func(cmd *cobra.Command, args []string, a *app) error {
			answer, err := a.client.ConsultTaxation(cmd.Context(), strings.Join(args, " "), fileID)
			if err != nil {
				return err
			}
			return printResult(cmd, viper, fiscal.TaxAnswer{Resposta: answer}, func(w io.Writer) {
				fmt.Fprintln(w, answer)
			})
		}),
	}
	cmd.Flags().StringVar(&fileID, "file-id", "", "Scope the question to an uploaded file")

	return cmd
}

func newUploadCommand(viper *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "upload FILE",
		Short: "Upload a spreadsheet for analysis",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(viper, func(cmd *cobra.Command, args []string, a *app) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			result, err := a.client.Upload(cmd.Context(), args[0], f)
			if err != nil {
				return err
			}

			info := fiscal.FileInfo{
				FileID:     result.FileID,
				Filename:   result.Filename,
				Rows:       result.Rows,
				Columns:    result.Columns,
				UploadDate: time.Now().Format("2006-01-02"),
			}
			if err := a.registry.Record(cmd.Context(), info); err != nil {
				logger.Warnw("Upload succeeded but could not be recorded locally",
					"file_id", info.FileID,
					"error", err,
				)
			}

			return printResult(cmd, viper, result, func(w io.Writer) {
				fmt.Fprintf(w, "%s enviado (id %s): %d linhas, %d colunas\n",
					result.Filename, result.FileID, result.Rows, result.Columns)
			})
		}),
	}
}

func newFilesCommand(viper *viper.Viper) *cobra.Command {
	var clearList bool

	cmd := &cobra.Command{
		Use:   "files",
		Short: "List uploaded files",
		Long:  "List files known to the backend merged with the local upload list",
		Args:  cobra.NoArgs,
		RunE: withApp(viper, func(cmd *cobra.Command, args []string, a *app) error {
			if clearList {
				if err := a.registry.Clear(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Lista local de arquivos limpa")
				return nil
			}

			files, err := listFiles(cmd.Context(), a.client, a.registry)
			if err != nil {
				return err
			}
			return printResult(cmd, viper, files, func(w io.Writer) {
				if len(files) == 0 {
					fmt.Fprintln(w, "Nenhum arquivo enviado")
					return
				}
				for _, f := range files {
					fmt.Fprintf(w, "%-24s %-32s %6d linhas %4d colunas %s\n",
						f.FileID, f.Filename, f.Rows, f.Columns, f.UploadDate)
				}
			})
		}),
	}
	cmd.Flags().BoolVar(&clearList, "clear", false, "Clear the local upload list instead of listing")

	return cmd
}

// listFiles merges the backend listing with the local list; the local list
// alone is returned when the backend cannot list files.
func listFiles(ctx context.Context, client *fiscal.Client, registry *uploads.Registry) ([]fiscal.FileInfo, error) {
	local, err := registry.List(ctx)
	if err != nil {
		return nil, err
	}

	remote, err := client.ListFiles(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Debugw("Backend file list unavailable, using local list", "error", err)
		return local, nil
	}
	return uploads.Merge(remote, local), nil
}

func newMetricsCommand(viper *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Show file totals and backend status",
		Args:  cobra.NoArgs,
		RunE: withApp(viper, func(cmd *cobra.Command, args []string, a *app) error {
			m, err := a.client.Metrics(cmd.Context())
			if err != nil {
				return err
			}
			return printResult(cmd, viper, m, func(w io.Writer) {
				fmt.Fprintf(w, "Status:   %s\n", m.Status)
				if m.BackendVersion != "" {
					fmt.Fprintf(w, "Versão:   %s\n", m.BackendVersion)
				}
				fmt.Fprintf(w, "Arquivos: %d\n", m.TotalFiles)
				fmt.Fprintf(w, "Linhas:   %d\n", m.TotalRows)
				fmt.Fprintf(w, "Colunas:  %d\n", m.TotalColumns)
			})
		}),
	}
}

func newHealthCommand(viper *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the backend health endpoint",
		Args:  cobra.NoArgs,
		RunE: withApp(viper, func(cmd *cobra.Command, args []string, a *app) error {
			status, err := a.client.Health(cmd.Context())
			if err != nil {
				return err
			}
			if err := printResult(cmd, viper, status, func(w io.Writer) {
				fmt.Fprintf(w, "%s %s\n", status.Status, status.Version)
			}); err != nil {
				return err
			}
			if !status.Healthy() {
				return fmt.Errorf("backend reports status %q", status.Status)
			}
			return nil
		}),
	}
}

func newBackendCommand(viper *viper.Viper) *cobra.Command {
	var rediscover bool

	cmd := &cobra.Command{
		Use:   "backend",
		Short: "Discover and show the backend base URL",
		Args:  cobra.NoArgs,
		RunE: withApp(viper, func(cmd *cobra.Command, args []string, a *app) error {
			var err error
			if rediscover {
				_, err = a.locator.ForceRediscovery(cmd.Context())
			} else {
				_, err = a.locator.Resolve(cmd.Context())
			}
			if err != nil {
				return err
			}

			state := a.locator.State()
			return printResult(cmd, viper, state, func(w io.Writer) {
				fmt.Fprintf(w, "%s (%s)\n", state.URL, state.Source)
			})
		}),
	}
	cmd.Flags().BoolVar(&rediscover, "rediscover", false, "Discard any cached address and probe again")

	return cmd
}

func newServeCommand(viper *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the local gateway daemon",
		Args:  cobra.NoArgs,
		RunE: withApp(viper, func(cmd *cobra.Command, args []string, a *app) error {
			return serve(cmd.Context(), viper, a)
		}),
	}
}

func serve(ctx context.Context, viper *viper.Viper, a *app) error {
	logger.Infow("Starting fiscalmind gateway",
		"version", config.Version,
		"listen_address", viper.GetString("listen-address"),
		"grpc_address", viper.GetString("grpc-address"),
	)

	hc := health.NewHealthChecker(a.locator, a.gateway, logger)
	srv := server.New(viper.GetString("listen-address"), server.Deps{
		Locator:  a.locator,
		Sender:   a.gateway,
		Probes:   hc,
		Gatherer: prometheus.DefaultGatherer,
		Metrics:  a.metrics,
	}, logger)

	var lis net.Listener
	if addr := viper.GetString("grpc-address"); addr != "" {
		var err error
		lis, err = net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", addr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(srv.Start)

	if lis != nil {
		addr := lis.Addr().String()
		reporter := health.NewGRPCReporter(a.locator, viper.GetDuration("health-interval"), logger)
		grpcServer := grpc.NewServer(grpc.UnaryInterceptor(loggingInterceptor))
		healthpb.RegisterHealthServer(grpcServer, reporter.Server())

		g.Go(func() error {
			reporter.Run(gctx)
			return nil
		})
		g.Go(func() error {
			logger.Infow("gRPC health server listening", "address", addr)
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			grpcServer.GracefulStop()
			return nil
		})
	}

	g.Go(func() error {
		url, err := a.locator.Resolve(gctx)
		if err != nil {
			return nil
		}
		if a.locator.State().Fallback() {
			logger.Warnw("No backend answered, serving with fallback address", "url", url)
		}
		hc.SetReady(true)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), viper.GetDuration("shutdown-timeout"))
		defer cancel()
		if err := srv.Stop(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Errorw("Gateway stopped with error", "error", err)
		return err
	}
	logger.Info("Gateway stopped")
	return nil
}

func loggingInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	logger.Debugw("gRPC request received",
		"method", info.FullMethod,
	)

	resp, err := handler(ctx, req)
	if err != nil {
		logger.Warnw("gRPC request failed",
			"method", info.FullMethod,
			"error", err,
		)
	}
	return resp, err
}
