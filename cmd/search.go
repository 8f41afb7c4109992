package cmd

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/brandon/mailmirror/internal/cache"
)

var (
	searchAccount string
	searchSender  string
	searchSubject string
	searchBody    string
	searchLimit   int
)

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search the local mirror",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.close()

		opts := cache.SearchOptions{Limit: searchLimit}
		if searchAccount != "" {
			accountID, err := app.store.GetAccountID(searchAccount)
			if err != nil {
				return err
			}
			opts.AccountID = &accountID
		}
		if searchSender != "" {
			opts.Sender = &searchSender
		}
		if searchSubject != "" {
			opts.Subject = &searchSubject
		}
		if searchBody != "" {
			opts.Body = &searchBody
		}

		results, err := app.store.Search(opts)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	},
}

func init() {
	searchCmd.Flags().StringVar(&searchAccount, "account", "", "restrict the search to one account")
	searchCmd.Flags().StringVar(&searchSender, "sender", "", "match sender name or address")
	searchCmd.Flags().StringVar(&searchSubject, "subject", "", "match subject")
	searchCmd.Flags().StringVar(&searchBody, "body", "", "full-text search on message bodies")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 50, "maximum number of results")
	rootCmd.AddCommand(searchCmd)
}
