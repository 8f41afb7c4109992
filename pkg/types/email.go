package types

import "time"

// Email is the local replica of one remote mail item. The (AccountID,
// FolderID, UID) triple is the lookup key for live IMAP operations; the
// MessageID header is the only identity that survives UIDVALIDITY changes
// and cross-folder moves.
type Email struct {
	ID          int64             `json:"id"`
	AccountID   int               `json:"account_id"`
	AccountName string            `json:"account_name"`
	FolderID    int               `json:"folder_id"`
	FolderPath  string            `json:"folder_path"`
	UID         uint32            `json:"uid"`
	MessageID   string            `json:"message_id"`
	Subject     string            `json:"subject"`
	SenderName  string            `json:"sender_name"`
	SenderEmail string            `json:"sender_email"`
	Recipients  []string          `json:"recipients"`
	Date        time.Time         `json:"date"`
	Size        uint32            `json:"size"`
	BodyText    string            `json:"body_text,omitempty"`
	BodyHTML    string            `json:"body_html,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Flags       []string          `json:"flags,omitempty"`
	CachedAt    time.Time         `json:"cached_at"`
}

// Folder represents an email folder/mailbox with local sync bookkeeping
type Folder struct {
	ID           int        `json:"id"`
	AccountID    int        `json:"account_id"`
	AccountName  string     `json:"account_name"`
	Name         string     `json:"name"`
	Path         string     `json:"path"`
	MessageCount int        `json:"message_count"`
	LastSynced   *time.Time `json:"last_synced,omitempty"`
}

// FolderInfo is what a LIST round-trip reports about one remote folder
type FolderInfo struct {
	Name       string   `json:"name"`
	Attributes []string `json:"attributes,omitempty"`
}

// Selectable reports whether the folder can be opened with SELECT.
// Administrative pseudo-folders carry the \Noselect attribute.
func (f FolderInfo) Selectable() bool {
	for _, attr := range f.Attributes {
		if attr == `\Noselect` {
			return false
		}
	}
	return true
}

// EmailSummary represents a summary of an email (for search results)
type EmailSummary struct {
	ID          int64     `json:"id"`
	AccountName string    `json:"account_name"`
	FolderPath  string    `json:"folder_path"`
	Subject     string    `json:"subject"`
	SenderName  string    `json:"sender_name"`
	SenderEmail string    `json:"sender_email"`
	Date        time.Time `json:"date"`
	Snippet     string    `json:"snippet"`
}
