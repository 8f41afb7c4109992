package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailmirror/internal/config"
	"github.com/brandon/mailmirror/pkg/types"
)

// Store provides methods for storing and retrieving data from the cache
type Store struct {
	cache  *Cache
	logger *logrus.Logger
}

// NewStore creates a new store instance
func NewStore(cache *Cache, logger *logrus.Logger) *Store {
	return &Store{
		cache:  cache,
		logger: logger,
	}
}

// Checkpoint asks the cache to truncate its write-ahead log
func (s *Store) Checkpoint(force bool) error {
	return s.cache.Checkpoint(force)
}

// UpsertAccount upserts an account in the cache and returns its ID
func (s *Store) UpsertAccount(acc *config.AccountConfig) (int, error) {
	query := `
		INSERT INTO accounts (name, imap_host, imap_port, imap_username, provider, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(name) DO UPDATE SET
			imap_host = excluded.imap_host,
			imap_port = excluded.imap_port,
			imap_username = excluded.imap_username,
			provider = excluded.provider,
			updated_at = CURRENT_TIMESTAMP
	`
	if _, err := s.cache.DB().Exec(query, acc.Name, acc.IMAPHost, acc.IMAPPort, acc.IMAPUsername, acc.Provider); err != nil {
		return 0, fmt.Errorf("failed to upsert account: %w", err)
	}

	var accountID int
	if err := s.cache.DB().QueryRow("SELECT id FROM accounts WHERE name = ?", acc.Name).Scan(&accountID); err != nil {
		return 0, fmt.Errorf("failed to get account ID: %w", err)
	}
	return accountID, nil
}

// GetAccountID returns the account ID by name
func (s *Store) GetAccountID(name string) (int, error) {
	var id int
	err := s.cache.DB().QueryRow("SELECT id FROM accounts WHERE name = ?", name).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("account not found: %s", name)
	}
	return id, nil
}

// EnsureFolder registers a folder row and returns its ID without touching
// the sync bookkeeping. The incremental window is derived from last_synced,
// so only a completed pass may refresh it (see UpsertFolder).
func (s *Store) EnsureFolder(accountID int, name, path string) (int, error) {
	query := `
		INSERT INTO folders (account_id, name, path)
		VALUES (?, ?, ?)
		ON CONFLICT(account_id, path) DO UPDATE SET
			name = excluded.name
	`
	if _, err := s.cache.DB().Exec(query, accountID, name, path); err != nil {
		return 0, fmt.Errorf("failed to register folder: %w", err)
	}

	var folderID int
	if err := s.cache.DB().QueryRow("SELECT id FROM folders WHERE account_id = ? AND path = ?", accountID, path).Scan(&folderID); err != nil {
		return 0, fmt.Errorf("failed to get folder ID: %w", err)
	}
	return folderID, nil
}

// UpsertFolder upserts a folder's bookkeeping row and returns its ID
func (s *Store) UpsertFolder(accountID int, name, path string, messageCount int) (int, error) {
	query := `
		INSERT INTO folders (account_id, name, path, message_count, last_synced)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(account_id, path) DO UPDATE SET
			name = excluded.name,
			message_count = excluded.message_count,
			last_synced = CURRENT_TIMESTAMP
	`
	if _, err := s.cache.DB().Exec(query, accountID, name, path, messageCount); err != nil {
		return 0, fmt.Errorf("failed to upsert folder: %w", err)
	}

	var folderID int
	if err := s.cache.DB().QueryRow("SELECT id FROM folders WHERE account_id = ? AND path = ?", accountID, path).Scan(&folderID); err != nil {
		return 0, fmt.Errorf("failed to get folder ID: %w", err)
	}
	return folderID, nil
}

// UpsertEmail upserts an email keyed by (account, folder, uid) and reports
// whether a new row was inserted. Re-scanning an overlapping window is
// idempotent because of this key. A summary upsert carries empty bodies;
// the conflict clause keeps a previously cached body in that case.
func (s *Store) UpsertEmail(email *types.Email) (inserted bool, err error) {
	var existing int64
	err = s.cache.DB().QueryRow(
		"SELECT id FROM emails WHERE account_id = ? AND folder_id = ? AND uid = ?",
		email.AccountID, email.FolderID, email.UID,
	).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		inserted = true
	case err != nil:
		return false, fmt.Errorf("failed to look up email: %w", err)
	}

	recipientsJSON, err := json.Marshal(email.Recipients)
	if err != nil {
		return false, fmt.Errorf("failed to marshal recipients: %w", err)
	}
	flagsJSON, err := json.Marshal(email.Flags)
	if err != nil {
		return false, fmt.Errorf("failed to marshal flags: %w", err)
	}

	query := `
		INSERT INTO emails (account_id, folder_id, uid, message_id, subject, sender_name, sender_email, recipients, date, size, body_text, body_html, flags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, folder_id, uid) DO UPDATE SET
			message_id = excluded.message_id,
			subject = excluded.subject,
			sender_name = excluded.sender_name,
			sender_email = excluded.sender_email,
			recipients = excluded.recipients,
			date = excluded.date,
			size = excluded.size,
			body_text = CASE WHEN excluded.body_text <> '' THEN excluded.body_text ELSE emails.body_text END,
			body_html = CASE WHEN excluded.body_html <> '' THEN excluded.body_html ELSE emails.body_html END,
			flags = excluded.flags,
			cached_at = CURRENT_TIMESTAMP
	`
	_, err = s.cache.DB().Exec(query,
		email.AccountID,
		email.FolderID,
		email.UID,
		email.MessageID,
		email.Subject,
		email.SenderName,
		email.SenderEmail,
		string(recipientsJSON),
		email.Date.UTC().Format(time.RFC3339),
		email.Size,
		email.BodyText,
		email.BodyHTML,
		string(flagsJSON),
	)
	if err != nil {
		return false, fmt.Errorf("failed to upsert email: %w", err)
	}

	return inserted, nil
}

// CountEmails returns the number of cached emails for an account. Zero
// means the account has never completed a sync.
func (s *Store) CountEmails(accountID int) (int, error) {
	var count int
	err := s.cache.DB().QueryRow("SELECT COUNT(*) FROM emails WHERE account_id = ?", accountID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count emails: %w", err)
	}
	return count, nil
}

// LastSyncTime returns the most recent folder sync time for an account,
// or the zero time if the account has never synced
func (s *Store) LastSyncTime(accountID int) (time.Time, error) {
	var lastSynced sql.NullString
	err := s.cache.DB().QueryRow(
		"SELECT MAX(last_synced) FROM folders WHERE account_id = ?", accountID,
	).Scan(&lastSynced)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get last sync time: %w", err)
	}
	if !lastSynced.Valid || lastSynced.String == "" {
		return time.Time{}, nil
	}
	return parseStoredTime(lastSynced.String)
}

// ListFolders lists folders for an account
func (s *Store) ListFolders(accountID *int) ([]types.Folder, error) {
	var query string
	var args []interface{}

	if accountID != nil {
		query = `
			SELECT f.id, f.account_id, a.name, f.name, f.path, f.message_count, f.last_synced
			FROM folders f
			JOIN accounts a ON f.account_id = a.id
			WHERE f.account_id = ?
			ORDER BY f.path
		`
		args = []interface{}{*accountID}
	} else {
		query = `
			SELECT f.id, f.account_id, a.name, f.name, f.path, f.message_count, f.last_synced
			FROM folders f
			JOIN accounts a ON f.account_id = a.id
			ORDER BY a.name, f.path
		`
	}

	rows, err := s.cache.DB().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query folders: %w", err)
	}
	defer rows.Close()

	var folders []types.Folder
	for rows.Next() {
		var folder types.Folder
		var lastSynced sql.NullString

		err := rows.Scan(
			&folder.ID,
			&folder.AccountID,
			&folder.AccountName,
			&folder.Name,
			&folder.Path,
			&folder.MessageCount,
			&lastSynced,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan folder: %w", err)
		}

		if lastSynced.Valid {
			if t, err := parseStoredTime(lastSynced.String); err == nil {
				folder.LastSynced = &t
			}
		}

		folders = append(folders, folder)
	}

	return folders, nil
}

// parseStoredTime handles the two timestamp formats SQLite hands back
func parseStoredTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02 15:04:05", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse stored time %q: %w", s, err)
	}
	return t, nil
}
