package cmd

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/brandon/mailmirror/pkg/types"
)

var statusEvents int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the persisted health status of every account",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.close()

		type accountStatus struct {
			types.AccountHealth
			RecentEvents []types.SyncEvent `json:"recent_events,omitempty"`
		}

		var out []accountStatus
		for _, h := range app.monitor.All() {
			st := accountStatus{AccountHealth: h}
			if statusEvents > 0 {
				events, err := app.store.RecentSyncEvents(h.Account, statusEvents)
				if err != nil {
					return err
				}
				st.RecentEvents = events
			}
			out = append(out, st)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	statusCmd.Flags().IntVar(&statusEvents, "events", 0, "include the N most recent sync events per account")
	rootCmd.AddCommand(statusCmd)
}
