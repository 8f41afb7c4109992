package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/brandon/mailmirror/internal/metrics"
	"github.com/brandon/mailmirror/internal/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync scheduler until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.close()

		app.logger.WithField("accounts", app.cfg.AccountNames()).Info("Starting mailmirror")

		metrics.Serve(app.cfg.MetricsAddr, app.logger)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		go func() {
			sig := <-sigChan
			app.logger.WithField("signal", sig).Info("Received shutdown signal")
			cancel()
		}()

		scheduler.New(app.cfg.Sync, app.engine, app.logger).Run(ctx)

		app.logger.Info("Shutting down mailmirror")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
