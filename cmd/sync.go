package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	syncFull    bool
	syncAccount string
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync pass and print the result",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.close()

		ctx := context.Background()

		var out any
		var failure error
		if syncAccount != "" {
			res, err := app.engine.SyncAccount(ctx, syncAccount, syncFull)
			if err != nil {
				return err
			}
			if res.Failed() {
				failure = fmt.Errorf("account %s sync failed: %w", res.Account, res.Err)
			}
			out = res
		} else {
			out = app.engine.SyncAll(ctx, syncFull)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return err
		}
		// Returned after the JSON so the result is always emitted; the
		// deferred close still runs and Execute sets the exit code
		return failure
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncFull, "full", false, "reconcile the entire folder contents instead of an incremental window")
	syncCmd.Flags().StringVar(&syncAccount, "account", "", "sync only the named account")
	rootCmd.AddCommand(syncCmd)
}
