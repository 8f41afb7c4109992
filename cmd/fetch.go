package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/brandon/mailmirror/internal/resolve"
)

var fetchAccount string

var fetchCmd = &cobra.Command{
	Use:   "fetch <message-id>",
	Short: "Fetch one message's full body, recovering its location if it moved",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.close()

		messageID := args[0]

		acc, err := app.cfg.GetAccountByName(fetchAccount)
		if err != nil {
			return err
		}
		accountID, err := app.store.GetAccountID(acc.Name)
		if err != nil {
			return fmt.Errorf("account %s has never been synced: %w", acc.Name, err)
		}

		cached, err := app.store.FindByMessageID(accountID, messageID)
		if err != nil {
			return err
		}
		if cached == nil {
			return fmt.Errorf("message %s is not in the cache for account %s", messageID, acc.Name)
		}

		session, err := app.pool.Acquire(context.Background(), acc)
		if err != nil {
			return err
		}
		defer app.pool.Release(session)

		resolver := resolve.NewResolver(app.cfg.Sync.MaxCrossFolderSearch, app.logger)
		email, res, err := resolver.FetchMessage(session.Conn(), acc, cached.FolderPath, cached.UID, messageID)
		if err != nil {
			return err
		}

		// Cache the fetched body so body search covers this message, and
		// after a move cache it under its current location
		folderID := cached.FolderID
		if res.Status == resolve.StatusStale {
			app.logger.WithFields(logrus.Fields{
				"account":    acc.Name,
				"message_id": messageID,
				"folder":     res.Folder,
				"uid":        res.UID,
			}).Info("Message had moved")
			folderID, err = app.store.EnsureFolder(accountID, res.Folder, res.Folder)
			if err != nil {
				return err
			}
		}
		email.AccountID = accountID
		email.FolderID = folderID
		if _, err := app.store.UpsertEmail(email); err != nil {
			app.logger.WithError(err).Warn("Failed to cache fetched message")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(email)
	},
}

func init() {
	fetchCmd.Flags().StringVar(&fetchAccount, "account", "", "account the message belongs to")
	fetchCmd.MarkFlagRequired("account")
	rootCmd.AddCommand(fetchCmd)
}
