package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fastdfs-go/storagenode/pkg/storagenode"
	"github.com/fastdfs-go/storagenode/pkg/storagenode/config"
	httputil "github.com/fastdfs-go/storagenode/pkg/util/http"
	"github.com/fastdfs-go/storagenode/pkg/util/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:           "storagenode",
		Short:         "Storage node with trunked small file storage",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configFile)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "path to the configuration file")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(*cobra.Command, []string) {
			fmt.Println("storagenode", Version)
		},
	})

	return cmd
}

func run(ctx context.Context, configFile string) error {
	cfg, v, err := config.New(configFile)
	if err != nil {
		return err
	}

	log, err := logger.NewLogger(v)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	node, err := storagenode.New(cfg, log)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer cancel()

	intErr := make(chan error, 1)
	httpServers := initHTTPServers(cfg, log, node, intErr)

	if err := node.Start(); err != nil {
		return err
	}

	log.Info("storage node started", zap.String("version", Version))

	select {
	case <-ctx.Done():
	case err = <-intErr:
		log.Error("internal error", zap.Error(err))
	}

	node.Stop()

	var shutdownWG errgroup.Group
	for i := range httpServers {
		srv := httpServers[i]
		shutdownWG.Go(func() error {
			if err := srv.Shutdown(); err != nil {
				log.Debug("could not shutdown HTTP server", zap.Error(err))
				return err
			}
			return nil
		})
	}
	if shutdownErr := shutdownWG.Wait(); err == nil {
		err = shutdownErr
	}

	return err
}

func initHTTPServers(cfg *config.Config, log *logger.Logger, node *storagenode.Node, intErr chan<- error) []*httputil.Server {
	items := []struct {
		service config.BasicService
		name    string
		handler func() http.Handler
	}{
		{cfg.Prometheus, "prometheus", func() http.Handler {
			return promhttp.HandlerFor(node.MetricsGatherer(), promhttp.HandlerOpts{})
		}},
		{cfg.Pprof, "pprof", httputil.Handler},
	}

	servers := make([]*httputil.Server, 0, len(items))

	for _, item := range items {
		if !item.service.Enabled {
			log.Info(item.name + " is disabled, skip")
			continue
		}
		log.Info(item.name+" is enabled", zap.String("address", item.service.Address))

		srv := httputil.New(
			httputil.Prm{
				Address: item.service.Address,
				Handler: item.handler(),
			},
			httputil.WithShutdownTimeout(item.service.ShutdownTimeout),
		)
		servers = append(servers, srv)

		go func() {
			if err := srv.Serve(); err != nil {
				intErr <- err
			}
		}()
	}

	return servers
}
