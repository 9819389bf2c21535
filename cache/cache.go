package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/teerapap/contextd/pkg/tasks"
)

var ErrContextMiss = errors.New("context not cached")

const (
	defaultKeyPrefix    = "ctx:"
	latestAlias         = "latest"
	backupKeyPrefix     = "context-backups/"
	defaultTTL          = 24 * time.Hour
	defaultMirrorBudget = 30 * time.Second
	warmUpConcurrency   = 8
)

// Source is the system of record a rebuild derives context from.
type Source interface {
	Fetch(ctx context.Context, entityID string) (Snapshot, error)
}

// Snapshot is the system-of-record state for one entity at fetch time.
type Snapshot struct {
	Profile   ProfileItem
	Documents []DocumentRecord
	History   []HistoryRecord
}

type DocumentRecord struct {
	ID string
	DocumentItem
}

type HistoryRecord struct {
	ID string
	HistoryItem
}

// Notifier receives a push when a rebuild lands, so consumers do not poll.
type Notifier interface {
	ContextRebuilt(ctx context.Context, entityID, version string) error
}

// Option customizes a Cache.
type Option func(*Cache)

func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

func WithKeyPrefix(prefix string) Option {
	return func(c *Cache) {
		trimmed := strings.TrimSpace(prefix)
		if trimmed != "" {
			c.keyPrefix = trimmed
		}
	}
}

func WithNotifier(n Notifier) Option {
	return func(c *Cache) {
		c.notifier = n
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(c *Cache) {
		c.log = log
	}
}

// Cache owns blob construction and versioning. Consumers read, append, or
// invalidate; they never write raw payload.
type Cache struct {
	fast     FastStore
	durable  DurableStore
	source   Source
	notifier Notifier
	runner   *tasks.Runner
	log      zerolog.Logger

	ttl       time.Duration
	keyPrefix string
}

func New(fast FastStore, durable DurableStore, source Source, opts ...Option) (*Cache, error) {
	if fast == nil {
		return nil, errors.New("fast store is required")
	}
	if durable == nil {
		return nil, errors.New("durable store is required")
	}
	if source == nil {
		return nil, errors.New("source is required")
	}

	c := &Cache{
		fast:      fast,
		durable:   durable,
		source:    source,
		log:       zerolog.Nop(),
		ttl:       defaultTTL,
		keyPrefix: defaultKeyPrefix,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.runner = tasks.NewRunner(c.log)
	return c, nil
}

// Close drains in-flight durable mirrors and notifications.
func (c *Cache) Close() {
	c.runner.Close()
}

// Get resolves the blob for entityID. An empty version resolves the latest
// alias. Hot hits refresh the read key's TTL. Hot misses fall through to the
// durable tier and repopulate the hot tier on success. Both a durable miss
// and a durable failure degrade to ErrContextMiss; a fast-store failure is
// fatal to the call.
func (c *Cache) Get(ctx context.Context, entityID, version string) (*ContextBlob, error) {
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return nil, ErrInvalidEntity
	}

	ref := strings.TrimSpace(version)
	if ref == "" {
		ref = latestAlias
	}
	key := c.key(entityID, ref)

	raw, err := c.fast.Get(ctx, key)
	switch {
	case err == nil:
		if err := c.fast.Expire(ctx, key, c.ttl); err != nil && !errors.Is(err, ErrKeyNotFound) {
			c.log.Warn().Err(err).Str("key", key).Msg("ttl refresh failed")
		}
		blob, err := decodeBlob(raw)
		if err != nil {
			return nil, err
		}
		return blob, nil

	case errors.Is(err, ErrKeyNotFound):
		blob, restoreErr := c.restore(ctx, entityID, ref)
		if restoreErr != nil {
			if !errors.Is(restoreErr, ErrObjectNotFound) {
				c.log.Warn().Err(restoreErr).Str("entity", entityID).Msg("durable restore failed")
			}
			return nil, fmt.Errorf("%w: entity=%s", ErrContextMiss, entityID)
		}
		return blob, nil

	default:
		return nil, fmt.Errorf("fast store get: %w", err)
	}
}

// Put writes blob under its version key and the latest alias, then mirrors
// it to the durable tier in the background. Mirror failures are logged and
// never fail the call.
func (c *Cache) Put(ctx context.Context, blob ContextBlob) error {
	if strings.TrimSpace(blob.EntityID) == "" {
		return ErrInvalidEntity
	}
	if strings.TrimSpace(blob.Version) == "" {
		return errors.New("blob version is empty")
	}

	payload, err := json.Marshal(blob)
	if err != nil {
		return fmt.Errorf("marshal context blob: %w", err)
	}

	if err := c.writeHot(ctx, blob, string(payload), true); err != nil {
		return err
	}

	c.scheduleMirror(blob, payload)
	return nil
}

// Rebuild derives a fresh blob from the system of record and stores it.
// Concurrent rebuilds for one entity are allowed; the hot tier settles on
// whichever put lands last, which is equally valid since content is a
// deterministic function of the system of record at call time.
func (c *Cache) Rebuild(ctx context.Context, entityID string) (*ContextBlob, error) {
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return nil, ErrInvalidEntity
	}

	snap, err := c.source.Fetch(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("fetch system of record: %w", err)
	}

	blob := assemble(entityID, snap)
	if err := c.Put(ctx, blob); err != nil {
		return nil, err
	}

	c.log.Info().
		Str("entity", entityID).
		Str("version", blob.Version).
		Int("items", len(blob.Items)).
		Msg("context rebuilt")

	c.scheduleNotify(entityID, blob.Version)
	return &blob, nil
}

// Append adds one item to the entity's latest blob under a new version,
// rebuilding first when nothing is cached.
func (c *Cache) Append(ctx context.Context, entityID string, item ContextItem) (*ContextBlob, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if err := item.Validate(); err != nil {
		return nil, err
	}

	blob, err := c.Get(ctx, entityID, "")
	if errors.Is(err, ErrContextMiss) {
		blob, err = c.Rebuild(ctx, entityID)
	}
	if err != nil {
		return nil, err
	}

	next := blob.WithItem(item)
	if err := c.Put(ctx, next); err != nil {
		return nil, err
	}
	return &next, nil
}

// Invalidate removes every hot key for the entity. The durable tier keeps
// its backups as history, and no rebuild is triggered; the next Get falls
// through naturally.
func (c *Cache) Invalidate(ctx context.Context, entityID string) error {
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return ErrInvalidEntity
	}

	keys, err := c.fast.Keys(ctx, c.keyPrefix+entityID+":*")
	if err != nil {
		return fmt.Errorf("scan entity keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.fast.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("delete entity keys: %w", err)
	}

	c.log.Info().Str("entity", entityID).Int("keys", len(keys)).Msg("cache invalidated")
	return nil
}

// Stats describes the entity's latest cached blob.
type Stats struct {
	Exists       bool
	TTLRemaining time.Duration
	ItemCount    int
	Version      string
	SizeBytes    int
}

// Stats inspects the latest alias without side effects (no TTL refresh).
func (c *Cache) Stats(ctx context.Context, entityID string) (Stats, error) {
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return Stats{}, ErrInvalidEntity
	}

	key := c.key(entityID, latestAlias)
	raw, err := c.fast.Get(ctx, key)
	if errors.Is(err, ErrKeyNotFound) {
		return Stats{}, nil
	}
	if err != nil {
		return Stats{}, fmt.Errorf("fast store get: %w", err)
	}

	blob, err := decodeBlob(raw)
	if err != nil {
		return Stats{}, err
	}

	ttl, err := c.fast.TTL(ctx, key)
	if err != nil && !errors.Is(err, ErrKeyNotFound) {
		return Stats{}, fmt.Errorf("fast store ttl: %w", err)
	}
	if ttl < 0 {
		ttl = 0
	}

	return Stats{
		Exists:       true,
		TTLRemaining: ttl,
		ItemCount:    len(blob.Items),
		Version:      blob.Version,
		SizeBytes:    blob.SizeBytes,
	}, nil
}

// WarmUpResult reports one entity's warm-up outcome.
type WarmUpResult struct {
	EntityID string
	Version  string
	Err      error
}

// WarmUp rebuilds the given entities in parallel. Failures are reported
// per entity and never abort the batch.
func (c *Cache) WarmUp(ctx context.Context, entityIDs []string) []WarmUpResult {
	p := pool.NewWithResults[WarmUpResult]().WithMaxGoroutines(warmUpConcurrency)
	for _, entityID := range entityIDs {
		entityID := entityID
		p.Go(func() WarmUpResult {
			blob, err := c.Rebuild(ctx, entityID)
			if err != nil {
				return WarmUpResult{EntityID: entityID, Err: err}
			}
			return WarmUpResult{EntityID: entityID, Version: blob.Version}
		})
	}
	return p.Wait()
}

// CachedEntityIDs lists entities that currently have a hot latest blob.
func (c *Cache) CachedEntityIDs(ctx context.Context) ([]string, error) {
	keys, err := c.fast.Keys(ctx, c.keyPrefix+"*:"+latestAlias)
	if err != nil {
		return nil, fmt.Errorf("scan latest keys: %w", err)
	}

	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		trimmed := strings.TrimPrefix(key, c.keyPrefix)
		trimmed = strings.TrimSuffix(trimmed, ":"+latestAlias)
		if trimmed != "" {
			ids = append(ids, trimmed)
		}
	}
	return ids, nil
}

func (c *Cache) key(entityID, ref string) string {
	return c.keyPrefix + entityID + ":" + ref
}

func (c *Cache) backupKey(entityID, ref string) string {
	return backupKeyPrefix + entityID + "/" + ref + ".json"
}

// restore pulls the blob from the durable tier and repopulates the hot tier.
// ref is the already-resolved read key reference; the latest alias is
// rewritten only for latest reads so that pinning an old version never
// clobbers it.
func (c *Cache) restore(ctx context.Context, entityID, ref string) (*ContextBlob, error) {
	raw, err := c.durable.Get(ctx, c.backupKey(entityID, ref))
	if err != nil {
		return nil, err
	}

	blob, err := decodeBlob(string(raw))
	if err != nil {
		return nil, err
	}

	if err := c.writeHot(ctx, *blob, string(raw), ref == latestAlias); err != nil {
		c.log.Warn().Err(err).Str("entity", entityID).Msg("hot repopulate after restore failed")
	}

	c.log.Info().
		Str("entity", entityID).
		Str("version", blob.Version).
		Msg("context restored from durable store")
	return blob, nil
}

func (c *Cache) writeHot(ctx context.Context, blob ContextBlob, payload string, includeLatest bool) error {
	if err := c.fast.Set(ctx, c.key(blob.EntityID, blob.Version), payload, c.ttl); err != nil {
		return fmt.Errorf("fast store set: %w", err)
	}
	if includeLatest {
		if err := c.fast.Set(ctx, c.key(blob.EntityID, latestAlias), payload, c.ttl); err != nil {
			return fmt.Errorf("fast store set latest: %w", err)
		}
	}
	return nil
}

func (c *Cache) scheduleMirror(blob ContextBlob, payload []byte) {
	metadata := map[string]string{
		"entity":       blob.EntityID,
		"version":      blob.Version,
		"generated-at": blob.GeneratedAt.Format(time.RFC3339),
	}
	c.runner.Go("mirror:"+blob.EntityID+":"+blob.Version, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), defaultMirrorBudget)
		defer cancel()

		if err := c.durable.Put(ctx, c.backupKey(blob.EntityID, blob.Version), payload, "application/json", metadata); err != nil {
			return fmt.Errorf("mirror version backup: %w", err)
		}
		// the latest marker is what an unversioned restore finds
		if err := c.durable.Put(ctx, c.backupKey(blob.EntityID, latestAlias), payload, "application/json", metadata); err != nil {
			return fmt.Errorf("mirror latest marker: %w", err)
		}
		return nil
	})
}

func (c *Cache) scheduleNotify(entityID, version string) {
	if c.notifier == nil {
		return
	}
	c.runner.Go("notify:"+entityID+":"+version, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), defaultMirrorBudget)
		defer cancel()
		return c.notifier.ContextRebuilt(ctx, entityID, version)
	})
}

func assemble(entityID string, snap Snapshot) ContextBlob {
	items := make([]ContextItem, 0, 1+len(snap.Documents)+len(snap.History))

	profile := snap.Profile
	items = append(items, ContextItem{
		ID:      "profile",
		Kind:    KindProfile,
		Profile: &profile,
	})

	for _, doc := range snap.Documents {
		doc := doc
		items = append(items, ContextItem{
			ID:       doc.ID,
			Kind:     KindDocument,
			Document: &doc.DocumentItem,
		})
	}

	for _, msg := range snap.History {
		msg := msg
		items = append(items, ContextItem{
			ID:      msg.ID,
			Kind:    KindHistory,
			History: &msg.HistoryItem,
		})
	}

	return NewBlob(entityID, items)
}

func decodeBlob(raw string) (*ContextBlob, error) {
	var blob ContextBlob
	if err := json.Unmarshal([]byte(raw), &blob); err != nil {
		return nil, fmt.Errorf("unmarshal context blob: %w", err)
	}
	return &blob, nil
}
