package commands

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/vansante/go-zfsabi/http"
	"github.com/vansante/go-zfsabi/job"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server and the snapshot jobs",
	Long: `Run the HTTP server and the periodic snapshot jobs, as enabled in the configuration.
The process stops on SIGINT or SIGTERM, waiting at most ShutdownTimeout for requests to finish.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	conf, logger, err := loadConfig(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	if !conf.EnableHTTP && !conf.EnableJobs {
		return errors.New("neither the HTTP server nor the jobs are enabled")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	library, err := conf.NewLibrary(logger, reg)
	if err != nil {
		return fmt.Errorf("error creating library: %w", err)
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if conf.EnableJobs {
		runner := job.NewRunner(ctx, conf.Jobs, library, logger.With("component", "jobs"))
		logEvents(runner, logger)
		runner.Run()
	}

	if !conf.EnableHTTP {
		<-ctx.Done()
		logger.Info("zfsabi.serve: Stopping")
		return nil
	}

	server, err := http.NewHTTP(ctx, conf.HTTP, library, logger.With("component", "http"))
	if err != nil {
		return fmt.Errorf("error creating HTTP server: %w", err)
	}
	if conf.Metrics.Enabled {
		server.Handle(nethttp.MethodGet, conf.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	go server.Serve()
	<-ctx.Done()
	logger.Info("zfsabi.serve: Stopping")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), conf.ShutdownTimeout)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}
