package cache

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/brandon/mailmirror/pkg/types"
)

// SearchOptions contains search parameters
type SearchOptions struct {
	AccountID *int
	FolderID  *int
	Sender    *string
	Subject   *string
	Body      *string
	DateFrom  *time.Time
	DateTo    *time.Time
	Limit     int
}

// Search performs a search on cached emails
func (s *Store) Search(opts SearchOptions) ([]types.EmailSummary, error) {
	var conditions []string
	var args []interface{}

	if opts.AccountID != nil {
		conditions = append(conditions, "e.account_id = ?")
		args = append(args, *opts.AccountID)
	}

	if opts.FolderID != nil {
		conditions = append(conditions, "e.folder_id = ?")
		args = append(args, *opts.FolderID)
	}

	if opts.Sender != nil {
		conditions = append(conditions, "(e.sender_email LIKE ? OR e.sender_name LIKE ?)")
		searchTerm := "%" + *opts.Sender + "%"
		args = append(args, searchTerm, searchTerm)
	}

	if opts.Subject != nil {
		conditions = append(conditions, "e.subject LIKE ?")
		args = append(args, "%"+*opts.Subject+"%")
	}

	if opts.DateFrom != nil {
		conditions = append(conditions, "e.date >= ?")
		args = append(args, opts.DateFrom)
	}

	if opts.DateTo != nil {
		conditions = append(conditions, "e.date <= ?")
		args = append(args, opts.DateTo)
	}

	// Full-text search on body via FTS5
	if opts.Body != nil {
		conditions = append(conditions, "e.id IN (SELECT rowid FROM emails_fts WHERE emails_fts MATCH ?)")
		bodyQuery := strings.ReplaceAll(*opts.Body, "\"", "\"\"")
		bodyQuery = strings.ReplaceAll(bodyQuery, "'", "''")
		args = append(args, bodyQuery)
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := fmt.Sprintf(`
		SELECT e.id, a.name, f.path, e.subject, e.sender_name, e.sender_email, e.date, e.body_text
		FROM emails e
		JOIN accounts a ON e.account_id = a.id
		JOIN folders f ON e.folder_id = f.id
		%s
		ORDER BY e.date DESC
		LIMIT ?
	`, whereClause)

	args = append(args, limit)

	rows, err := s.cache.DB().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search emails: %w", err)
	}
	defer rows.Close()

	var results []types.EmailSummary
	for rows.Next() {
		var summary types.EmailSummary
		var dateStr string
		var bodyText sql.NullString

		err := rows.Scan(
			&summary.ID,
			&summary.AccountName,
			&summary.FolderPath,
			&summary.Subject,
			&summary.SenderName,
			&summary.SenderEmail,
			&dateStr,
			&bodyText,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan email: %w", err)
		}

		if t, err := parseStoredTime(dateStr); err == nil {
			summary.Date = t
		}

		if bodyText.Valid && len(bodyText.String) > 0 {
			snippet := bodyText.String
			if len(snippet) > 200 {
				snippet = snippet[:200] + "..."
			}
			summary.Snippet = snippet
		}

		results = append(results, summary)
	}

	return results, nil
}

// FindByMessageID looks up a cached email by its Message-ID header within
// one account. The Message-ID is the identity that survives UIDVALIDITY
// changes, so this is where stale-identifier recovery starts.
func (s *Store) FindByMessageID(accountID int, messageID string) (*types.Email, error) {
	query := `
		SELECT e.id, e.folder_id, f.path, e.uid, e.message_id, e.subject, e.date
		FROM emails e
		JOIN folders f ON e.folder_id = f.id
		WHERE e.account_id = ? AND e.message_id = ?
		ORDER BY e.date DESC
		LIMIT 1
	`
	var email types.Email
	var dateStr string

	err := s.cache.DB().QueryRow(query, accountID, messageID).Scan(
		&email.ID,
		&email.FolderID,
		&email.FolderPath,
		&email.UID,
		&email.MessageID,
		&email.Subject,
		&dateStr,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find email by message id: %w", err)
	}

	email.AccountID = accountID
	if t, err := parseStoredTime(dateStr); err == nil {
		email.Date = t
	}

	return &email, nil
}
