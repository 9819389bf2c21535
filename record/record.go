// Package record reads the system of record: entity profiles, their stored
// documents with extracted fields, and recent conversation history. The
// cache derives context blobs from this package's snapshots.
package record

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	cachex "github.com/teerapap/contextd/cache"
)

var ErrEntityNotFound = errors.New("entity not found")

const defaultHistoryLimit = 20

type Config struct {
	DSN          string `envconfig:"DSN" split_words:"true" required:"true"`
	HistoryLimit int    `envconfig:"HISTORY_LIMIT" split_words:"true" default:"20"`
}

// Entity is the subject a context blob is assembled for.
type Entity struct {
	bun.BaseModel `bun:"table:entities,alias:e"`

	ID          string   `bun:"id,pk"`
	Name        string   `bun:"name,notnull"`
	Domain      string   `bun:"domain"`
	Description string   `bun:"description"`
	Categories  []string `bun:"categories,array"`
}

// Document is one uploaded document with its extraction output.
type Document struct {
	bun.BaseModel `bun:"table:documents,alias:d"`

	ID        string          `bun:"id,pk"`
	EntityID  string          `bun:"entity_id,notnull"`
	Name      string          `bun:"name,notnull"`
	DocType   string          `bun:"doc_type,notnull"`
	Extracted json.RawMessage `bun:"extracted,type:jsonb"`
	Content   string          `bun:"content"`
	CreatedAt time.Time       `bun:"created_at,notnull,default:current_timestamp"`
}

// ConversationMessage is one prior assistant-conversation turn.
type ConversationMessage struct {
	bun.BaseModel `bun:"table:conversation_messages,alias:m"`

	ID        string    `bun:"id,pk"`
	EntityID  string    `bun:"entity_id,notnull"`
	Role      string    `bun:"role,notnull"`
	Content   string    `bun:"content,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

// Client reads snapshots from Postgres.
type Client struct {
	db           *bun.DB
	historyLimit int
}

var _ cachex.Source = (*Client)(nil)

func New(cfg Config) (*Client, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("record store dsn is required")
	}

	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(
		pgdriver.WithDSN(dsn),
		pgdriver.WithApplicationName("contextd"),
	))
	db := bun.NewDB(sqldb, pgdialect.New())

	return &Client{db: db, historyLimit: historyLimit}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

// Fetch loads the entity's current state. Document order follows creation
// time; history is the most recent turns in chronological order.
func (c *Client) Fetch(ctx context.Context, entityID string) (cachex.Snapshot, error) {
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return cachex.Snapshot{}, cachex.ErrInvalidEntity
	}

	var entity Entity
	err := c.db.NewSelect().
		Model(&entity).
		Where("e.id = ?", entityID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return cachex.Snapshot{}, fmt.Errorf("%w: %s", ErrEntityNotFound, entityID)
	}
	if err != nil {
		return cachex.Snapshot{}, fmt.Errorf("select entity: %w", err)
	}

	var documents []Document
	if err := c.db.NewSelect().
		Model(&documents).
		Where("d.entity_id = ?", entityID).
		Order("d.created_at ASC").
		Scan(ctx); err != nil {
		return cachex.Snapshot{}, fmt.Errorf("select documents: %w", err)
	}

	var messages []ConversationMessage
	if err := c.db.NewSelect().
		Model(&messages).
		Where("m.entity_id = ?", entityID).
		Order("m.created_at DESC").
		Limit(c.historyLimit).
		Scan(ctx); err != nil {
		return cachex.Snapshot{}, fmt.Errorf("select history: %w", err)
	}

	return buildSnapshot(entity, documents, messages), nil
}

func buildSnapshot(entity Entity, documents []Document, messages []ConversationMessage) cachex.Snapshot {
	snap := cachex.Snapshot{
		Profile: cachex.ProfileItem{
			Name:        entity.Name,
			Domain:      entity.Domain,
			Description: entity.Description,
			Categories:  entity.Categories,
		},
	}

	for _, doc := range documents {
		snap.Documents = append(snap.Documents, cachex.DocumentRecord{
			ID: doc.ID,
			DocumentItem: cachex.DocumentItem{
				Name:      doc.Name,
				DocType:   doc.DocType,
				Extracted: doc.Extracted,
				Content:   doc.Content,
			},
		})
	}

	// most-recent-first from the query, chronological in the snapshot
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		snap.History = append(snap.History, cachex.HistoryRecord{
			ID: msg.ID,
			HistoryItem: cachex.HistoryItem{
				Role:    msg.Role,
				Content: msg.Content,
				At:      msg.CreatedAt,
			},
		})
	}

	return snap
}
