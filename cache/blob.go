// Package cache builds, serves, and versions per-entity context blobs over a
// two-tier store: a hot Redis tier with TTL expiry and a cold object-storage
// tier that keeps every built version as history.
package cache

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	ErrInvalidEntity = errors.New("entity id is empty")
	ErrInvalidItem   = errors.New("invalid context item")
)

// ItemKind tags the shape carried by a ContextItem.
type ItemKind string

const (
	KindProfile  ItemKind = "profile"
	KindDocument ItemKind = "document"
	KindHistory  ItemKind = "history"
	KindOpaque   ItemKind = "opaque"
)

// ProfileItem is the entity's own profile record.
type ProfileItem struct {
	Name        string   `json:"name"`
	Domain      string   `json:"domain,omitempty"`
	Description string   `json:"description,omitempty"`
	Categories  []string `json:"categories,omitempty"`
}

// DocumentItem is one stored document with its extracted fields. Extracted
// stays raw JSON: extraction output is loosely structured by nature.
type DocumentItem struct {
	Name      string          `json:"name"`
	DocType   string          `json:"doc_type"`
	Extracted json.RawMessage `json:"extracted,omitempty"`
	Content   string          `json:"content,omitempty"`
}

// HistoryItem is one prior conversation message.
type HistoryItem struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// ContextItem is a tagged union over the closed set of payload shapes, with
// Opaque as the escape hatch for callers that have none of them.
type ContextItem struct {
	ID       string          `json:"id"`
	Kind     ItemKind        `json:"kind"`
	Profile  *ProfileItem    `json:"profile,omitempty"`
	Document *DocumentItem   `json:"document,omitempty"`
	History  *HistoryItem    `json:"history,omitempty"`
	Opaque   json.RawMessage `json:"opaque,omitempty"`
}

// Validate checks that exactly the field matching Kind is populated.
func (it ContextItem) Validate() error {
	switch it.Kind {
	case KindProfile:
		if it.Profile == nil {
			return fmt.Errorf("%w: kind=profile without profile payload", ErrInvalidItem)
		}
	case KindDocument:
		if it.Document == nil {
			return fmt.Errorf("%w: kind=document without document payload", ErrInvalidItem)
		}
	case KindHistory:
		if it.History == nil {
			return fmt.Errorf("%w: kind=history without history payload", ErrInvalidItem)
		}
	case KindOpaque:
		if len(it.Opaque) == 0 {
			return fmt.Errorf("%w: kind=opaque without payload", ErrInvalidItem)
		}
	default:
		return fmt.Errorf("%w: unknown kind=%q", ErrInvalidItem, it.Kind)
	}
	return nil
}

// ContextBlob is the assembled context for one entity. Blobs are immutable
// once built; every change produces a new blob under a new version.
type ContextBlob struct {
	EntityID      string        `json:"entity_id"`
	Version       string        `json:"version"`
	Items         []ContextItem `json:"items"`
	SizeBytes     int           `json:"size_bytes"`
	TokenEstimate int           `json:"token_estimate"`
	GeneratedAt   time.Time     `json:"generated_at"`
}

// WithItem returns a new blob containing all current items plus item, under
// a fresh version. The receiver is not modified.
func (b ContextBlob) WithItem(item ContextItem) ContextBlob {
	items := make([]ContextItem, 0, len(b.Items)+1)
	items = append(items, b.Items...)
	items = append(items, item)
	return NewBlob(b.EntityID, items)
}

// ItemIDs returns the ids of all items in payload order.
func (b ContextBlob) ItemIDs() []string {
	ids := make([]string, 0, len(b.Items))
	for _, it := range b.Items {
		ids = append(ids, it.ID)
	}
	return ids
}

// NewBlob assembles a blob with a fresh version and size estimates.
func NewBlob(entityID string, items []ContextItem) ContextBlob {
	blob := ContextBlob{
		EntityID:    strings.TrimSpace(entityID),
		Version:     NewVersion(),
		Items:       items,
		GeneratedAt: time.Now().UTC(),
	}
	if raw, err := json.Marshal(blob.Items); err == nil {
		blob.SizeBytes = len(raw)
		// rough chars-per-token heuristic, used for observability only
		blob.TokenEstimate = len(raw) / 4
	}
	return blob
}

var (
	versionMu      sync.Mutex
	versionEntropy = ulid.Monotonic(rand.Reader, 0)
)

// NewVersion mints a version token. ULIDs are unique and sort by creation
// time; the shared monotonic entropy keeps same-millisecond tokens ordered
// within this process.
func NewVersion() string {
	versionMu.Lock()
	defer versionMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), versionEntropy).String()
}
