package imap

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	id "github.com/emersion/go-imap-id"
	"github.com/jhillyerd/enmime"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailmirror/internal/config"
	"github.com/brandon/mailmirror/pkg/types"
)

// ErrNoSuchMessage is returned when a fetch by UID matches nothing in the
// selected folder, typically because the folder's UIDVALIDITY changed.
var ErrNoSuchMessage = errors.New("no such message")

// FolderStatus is the subset of SELECT state the sync engine needs
type FolderStatus struct {
	Name        string
	Messages    uint32
	UIDValidity uint32
}

// Conn is one live, authenticated IMAP session. The session pool hands
// these out; implementations are not safe for concurrent use.
type Conn interface {
	// Noop is the cheap liveness round-trip used as a health check
	Noop() error
	ListFolders() ([]types.FolderInfo, error)
	Select(folder string) (*FolderStatus, error)
	// SearchSince returns UIDs of messages received at or after since;
	// a zero since means no lower bound.
	SearchSince(folder string, since time.Time) ([]uint32, error)
	// SearchHeader returns UIDs of messages whose header field matches value
	SearchHeader(folder, field, value string) ([]uint32, error)
	// FetchSummaries fetches envelope, flags and size for the given UIDs
	FetchSummaries(folder string, uids []uint32) ([]*types.Email, error)
	// FetchMessage fetches one full message, body included
	FetchMessage(folder string, uid uint32) (*types.Email, error)
	Close() error
}

// Client wraps an IMAP client connection for one account
type Client struct {
	config   *config.AccountConfig
	client   *client.Client
	logger   *logrus.Logger
	selected string
}

// Dial opens, authenticates and prepares a connection for the account.
// A handshake failure closes the transport before returning.
func Dial(cfg *config.AccountConfig, logger *logrus.Logger) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", cfg.IMAPHost, cfg.IMAPPort)

	cl, err := client.DialTLS(addr, &tls.Config{
		ServerName: cfg.IMAPHost,
		MinVersion: tls.VersionTLS12,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server: %w", err)
	}

	if err := cl.Login(cfg.IMAPUsername, cfg.IMAPPassword); err != nil {
		cl.Logout() //nolint:errcheck
		return nil, fmt.Errorf("failed to login to IMAP server: %w", err)
	}

	c := &Client{
		config: cfg,
		client: cl,
		logger: logger,
	}

	if err := c.handshake(); err != nil {
		cl.Logout() //nolint:errcheck
		return nil, fmt.Errorf("provider handshake failed: %w", err)
	}

	logger.WithField("account", cfg.Name).Info("Connected to IMAP server")
	return c, nil
}

// handshake applies provider quirks that must run before the session is
// usable. NetEase servers (163/126) answer "Unsafe Login" to most commands
// until the client identifies itself with an ID announcement.
func (c *Client) handshake() error {
	if c.config.Provider != "netease" {
		return nil
	}

	idClient := id.NewClient(c.client)
	_, err := idClient.ID(id.ID{
		id.FieldName:    "mailmirror",
		id.FieldVersion: "1.0.0",
	})
	if err != nil {
		return fmt.Errorf("ID announcement rejected: %w", err)
	}
	return nil
}

// Noop performs a NOOP round-trip against the live session
func (c *Client) Noop() error {
	return c.client.Noop()
}

// Close logs out and drops the connection
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	err := c.client.Logout()
	c.client = nil
	return err
}

// ListFolders lists all mailboxes/folders with their attributes
func (c *Client) ListFolders() ([]types.FolderInfo, error) {
	mailboxes := make(chan *goimap.MailboxInfo, 10)
	done := make(chan error, 1)

	go func() {
		done <- c.client.List("", "*", mailboxes)
	}()

	var folders []types.FolderInfo
	for m := range mailboxes {
		folders = append(folders, types.FolderInfo{
			Name:       m.Name,
			Attributes: m.Attributes,
		})
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}

	return folders, nil
}

// Select opens a folder and returns its status
func (c *Client) Select(folder string) (*FolderStatus, error) {
	mbox, err := c.client.Select(folder, false)
	if err != nil {
		c.selected = ""
		return nil, fmt.Errorf("failed to select folder %s: %w", folder, err)
	}
	c.selected = folder

	return &FolderStatus{
		Name:        folder,
		Messages:    mbox.Messages,
		UIDValidity: mbox.UidValidity,
	}, nil
}

// ensureSelected avoids re-issuing SELECT for the folder already open
func (c *Client) ensureSelected(folder string) error {
	if c.selected == folder {
		return nil
	}
	_, err := c.Select(folder)
	return err
}

// SearchSince returns UIDs of messages in the folder received at or after
// since. A zero since searches the whole folder.
func (c *Client) SearchSince(folder string, since time.Time) ([]uint32, error) {
	if err := c.ensureSelected(folder); err != nil {
		return nil, err
	}

	criteria := goimap.NewSearchCriteria()
	if !since.IsZero() {
		criteria.Since = since
	}

	uids, err := c.client.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search folder %s: %w", folder, err)
	}
	return uids, nil
}

// SearchHeader returns UIDs of messages whose header field equals value
func (c *Client) SearchHeader(folder, field, value string) ([]uint32, error) {
	if err := c.ensureSelected(folder); err != nil {
		return nil, err
	}

	criteria := goimap.NewSearchCriteria()
	criteria.Header.Set(field, value)

	uids, err := c.client.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search header in %s: %w", folder, err)
	}
	return uids, nil
}

// FetchSummaries fetches envelope, flags and size for the given UIDs
func (c *Client) FetchSummaries(folder string, uids []uint32) ([]*types.Email, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	if err := c.ensureSelected(folder); err != nil {
		return nil, err
	}

	seqSet := new(goimap.SeqSet)
	seqSet.AddNum(uids...)

	items := []goimap.FetchItem{goimap.FetchEnvelope, goimap.FetchFlags, goimap.FetchInternalDate, goimap.FetchRFC822Size, goimap.FetchUid}

	messages := make(chan *goimap.Message, 10)
	done := make(chan error, 1)

	go func() {
		done <- c.client.UidFetch(seqSet, items, messages)
	}()

	var emails []*types.Email
	for msg := range messages {
		email, err := c.parseMessage(msg, folder, false)
		if err != nil {
			c.logger.WithError(err).WithFields(logrus.Fields{
				"account": c.config.Name,
				"folder":  folder,
				"uid":     msg.Uid,
			}).Warn("Skipping unparseable message")
			continue
		}
		emails = append(emails, email)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	return emails, nil
}

// FetchMessage fetches one full message by UID, body included
func (c *Client) FetchMessage(folder string, uid uint32) (*types.Email, error) {
	if err := c.ensureSelected(folder); err != nil {
		return nil, err
	}

	seqSet := new(goimap.SeqSet)
	seqSet.AddNum(uid)

	items := []goimap.FetchItem{goimap.FetchEnvelope, goimap.FetchFlags, goimap.FetchInternalDate, goimap.FetchRFC822Size, goimap.FetchUid, goimap.FetchRFC822}

	messages := make(chan *goimap.Message, 1)
	done := make(chan error, 1)

	go func() {
		done <- c.client.UidFetch(seqSet, items, messages)
	}()

	var email *types.Email
	for msg := range messages {
		parsed, err := c.parseMessage(msg, folder, true)
		if err != nil {
			c.logger.WithError(err).WithField("uid", uid).Warn("Failed to parse message")
			continue
		}
		email = parsed
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch message: %w", err)
	}
	if email == nil {
		return nil, fmt.Errorf("uid %d in %s: %w", uid, folder, ErrNoSuchMessage)
	}

	return email, nil
}

// parseMessage parses an IMAP message into our Email type
func (c *Client) parseMessage(msg *goimap.Message, folderName string, withBody bool) (*types.Email, error) {
	if msg.Envelope == nil {
		return nil, fmt.Errorf("message %d has no envelope", msg.Uid)
	}

	email := &types.Email{
		UID:        msg.Uid,
		MessageID:  msg.Envelope.MessageId,
		Subject:    msg.Envelope.Subject,
		Date:       msg.Envelope.Date,
		Size:       msg.Size,
		FolderPath: folderName,
		Recipients: []string{},
		Flags:      []string{},
	}

	if email.Date.IsZero() {
		email.Date = msg.InternalDate
	}

	// Parse sender
	if len(msg.Envelope.From) > 0 {
		addr := msg.Envelope.From[0]
		email.SenderName = addr.PersonalName
		email.SenderEmail = addr.Address()
	}

	// Parse recipients
	for _, to := range msg.Envelope.To {
		email.Recipients = append(email.Recipients, to.Address())
	}
	for _, cc := range msg.Envelope.Cc {
		email.Recipients = append(email.Recipients, cc.Address())
	}

	email.Flags = append(email.Flags, msg.Flags...)

	if withBody {
		c.parseBody(msg, email)
	}

	return email, nil
}

// parseBody extracts text and HTML parts from the RFC822 literal with enmime
func (c *Client) parseBody(msg *goimap.Message, email *types.Email) {
	var literal goimap.Literal
	for _, l := range msg.Body {
		literal = l
		break
	}
	if literal == nil {
		return
	}

	raw, err := io.ReadAll(literal)
	if err != nil {
		c.logger.WithError(err).Debug("Error reading message literal")
		return
	}
	if len(raw) == 0 {
		return
	}

	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		// Fallback: keep the raw body as text
		email.BodyText = string(raw)
		c.logger.WithError(err).Debug("Failed to parse MIME envelope, using raw body")
		return
	}

	email.BodyText = env.Text
	email.BodyHTML = env.HTML
}
