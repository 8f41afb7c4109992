package resolve

import (
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailmirror/internal/config"
	"github.com/brandon/mailmirror/internal/imap"
	"github.com/brandon/mailmirror/pkg/types"
)

// ErrNotFound is returned once same-folder and cross-folder search by
// secondary key have both been exhausted
var ErrNotFound = errors.New("message not found")

// Status is the outcome of an identity resolution
type Status int

const (
	// StatusFound means the original (folder, uid) pair is still valid
	StatusFound Status = iota
	// StatusStale means the item was located under a different uid or
	// folder; the Resolution carries the current location
	StatusStale
	// StatusNotFound means the secondary key matched nothing anywhere
	StatusNotFound
)

func (s Status) String() string {
	switch s {
	case StatusFound:
		return "found"
	case StatusStale:
		return "stale"
	default:
		return "not_found"
	}
}

// Resolution is the result of recovering an item's current protocol-local
// identifier. Callers should adopt Folder and UID when Status is
// StatusStale.
type Resolution struct {
	Status Status
	Folder string
	UID    uint32
}

type location struct {
	folder string
	uid    uint32
}

// Resolver recovers an item's current UID from its Message-ID header when
// the recorded UID no longer resolves, typically after a UIDVALIDITY
// change or a cross-folder move
type Resolver struct {
	maxCrossFolder int
	cache          *expirable.LRU[string, location]
	logger         *logrus.Logger
}

// NewResolver creates a resolver. maxCrossFolder bounds how many other
// folders a fallback search may visit.
func NewResolver(maxCrossFolder int, logger *logrus.Logger) *Resolver {
	return &Resolver{
		maxCrossFolder: maxCrossFolder,
		cache:          expirable.NewLRU[string, location](1024, nil, 15*time.Minute),
		logger:         logger,
	}
}

// Resolve locates the message carrying messageID. It searches the original
// folder first, then other folders (INBOX first) unless the provider
// aliases everything into one virtual folder.
func (r *Resolver) Resolve(conn imap.Conn, acc *config.AccountConfig, folder string, uid uint32, messageID string) (Resolution, error) {
	if messageID == "" {
		return Resolution{Status: StatusNotFound}, fmt.Errorf("no secondary key recorded for uid %d in %s: %w", uid, folder, ErrNotFound)
	}

	cacheKey := acc.Name + "\x00" + messageID

	// A cached location is a hint, not an answer: validate before use
	if loc, ok := r.cache.Get(cacheKey); ok {
		if found, hit := r.searchFolder(conn, loc.folder, messageID); found {
			return r.resolution(folder, uid, loc.folder, hit), nil
		}
		r.cache.Remove(cacheKey)
	}

	// Re-search the folder the caller believed the item was in
	if found, hit := r.searchFolder(conn, folder, messageID); found {
		r.cache.Add(cacheKey, location{folder: folder, uid: hit})
		return r.resolution(folder, uid, folder, hit), nil
	}

	// Providers that alias a single virtual folder make a cross-folder
	// search pointless
	if acc.Provider != "gmail" {
		if res, ok := r.searchOtherFolders(conn, acc, folder, messageID, cacheKey); ok {
			return res, nil
		}
	}

	return Resolution{Status: StatusNotFound}, fmt.Errorf("message %s not found in any folder of account %s: %w", messageID, acc.Name, ErrNotFound)
}

// searchFolder searches one folder by Message-ID header. Errors are treated
// as a miss so the fallback chain keeps going.
func (r *Resolver) searchFolder(conn imap.Conn, folder, messageID string) (bool, uint32) {
	uids, err := conn.SearchHeader(folder, "Message-Id", messageID)
	if err != nil {
		r.logger.WithError(err).WithField("folder", folder).Debug("Header search failed, treating as miss")
		return false, 0
	}
	if len(uids) == 0 {
		return false, 0
	}
	return true, uids[0]
}

// searchOtherFolders visits INBOX first, then the remaining selectable
// folders up to the configured bound
func (r *Resolver) searchOtherFolders(conn imap.Conn, acc *config.AccountConfig, original, messageID, cacheKey string) (Resolution, bool) {
	folders, err := conn.ListFolders()
	if err != nil {
		r.logger.WithError(err).WithField("account", acc.Name).Debug("Folder listing failed during cross-folder search")
		return Resolution{}, false
	}

	var candidates []string
	for _, f := range folders {
		if f.Name == original || !f.Selectable() {
			continue
		}
		if f.Name == "INBOX" {
			candidates = append([]string{"INBOX"}, candidates...)
		} else {
			candidates = append(candidates, f.Name)
		}
	}
	if len(candidates) > r.maxCrossFolder {
		candidates = candidates[:r.maxCrossFolder]
	}

	for _, name := range candidates {
		if found, hit := r.searchFolder(conn, name, messageID); found {
			r.cache.Add(cacheKey, location{folder: name, uid: hit})
			return Resolution{Status: StatusStale, Folder: name, UID: hit}, true
		}
	}

	return Resolution{}, false
}

func (r *Resolver) resolution(origFolder string, origUID uint32, folder string, uid uint32) Resolution {
	if folder == origFolder && uid == origUID {
		return Resolution{Status: StatusFound, Folder: folder, UID: uid}
	}
	return Resolution{Status: StatusStale, Folder: folder, UID: uid}
}

// FetchMessage fetches a full message by its recorded location, falling
// back to identity resolution when the UID no longer matches. The returned
// resolution carries the folder the message actually lives in.
func (r *Resolver) FetchMessage(conn imap.Conn, acc *config.AccountConfig, folder string, uid uint32, messageID string) (*types.Email, Resolution, error) {
	email, err := conn.FetchMessage(folder, uid)
	if err == nil {
		return email, Resolution{Status: StatusFound, Folder: folder, UID: uid}, nil
	}
	if !errors.Is(err, imap.ErrNoSuchMessage) {
		return nil, Resolution{}, err
	}

	res, err := r.Resolve(conn, acc, folder, uid, messageID)
	if err != nil {
		return nil, res, err
	}

	email, err = conn.FetchMessage(res.Folder, res.UID)
	if err != nil {
		return nil, res, fmt.Errorf("resolved to %s uid %d but fetch failed: %w", res.Folder, res.UID, err)
	}
	email.FolderPath = res.Folder

	return email, res, nil
}
