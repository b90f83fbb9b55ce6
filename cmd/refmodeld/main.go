// Command refmodeld serves the in-process pooling runtime over HTTP so that
// the remote backend can be exercised without a GPU model server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"maisi/internal/config"
	"maisi/internal/logging"
	"maisi/internal/runtime/pooling"
	"maisi/internal/runtime/serve"
)

const shutdownTimeout = 10 * time.Second

type serverOptions struct {
	configPath string
	addr       string
	factor     int
	channels   int
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		cancel()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var opts serverOptions
	cmd := &cobra.Command{
		Use:           "refmodeld",
		Short:         "Serve the reference pooling runtime over HTTP",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, _, err := config.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if !cmd.Flags().Changed("factor") {
				opts.factor = cfg.Runtime.PoolingFactor
			}
			if !cmd.Flags().Changed("channels") {
				opts.channels = cfg.Runtime.LatentChannels
			}
			logger, _, err := logging.NewFromConfig(cfg, "refmodeld", 0)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			ln, err := net.Listen("tcp", opts.addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", opts.addr, err)
			}
			return serveUntilDone(cmd.Context(), ln, newHandler(opts, logger), logger)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Configuration file path")
	flags.StringVar(&opts.addr, "addr", "127.0.0.1:8900", "Listen address")
	flags.IntVar(&opts.factor, "factor", 4, "Spatial pooling factor of the encoder")
	flags.IntVar(&opts.channels, "channels", 4, "Latent channels produced by the encoder")
	return cmd
}

func newHandler(opts serverOptions, logger *slog.Logger) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	return serve.NewRouter(pooling.New(opts.factor, opts.channels, logger), logger)
}

// serveUntilDone serves on ln until ctx is cancelled, then drains in-flight
// requests.
func serveUntilDone(ctx context.Context, ln net.Listener, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	logger.Info("refmodeld listening", logging.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("refmodeld shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
