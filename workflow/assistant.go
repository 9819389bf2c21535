// Package workflow wires the context cache and the tool-orchestration
// engine into end-user flows. The assistant answers questions about one
// entity using its cached context.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	cachex "github.com/teerapap/contextd/cache"
	enginex "github.com/teerapap/contextd/engine"
)

const defaultMaxSteps = 10

// Answer is one finished assistant turn.
type Answer struct {
	Content  string
	Steps    int
	LowTrust bool // step budget ran out; treat the text as best-effort
}

// AssistantOption customizes an Assistant.
type AssistantOption func(*Assistant)

func WithMaxSteps(n int) AssistantOption {
	return func(a *Assistant) {
		if n > 0 {
			a.maxSteps = n
		}
	}
}

func WithAssistantLogger(log zerolog.Logger) AssistantOption {
	return func(a *Assistant) {
		a.log = log
	}
}

// Assistant wires the cache and the engine together: load (or rebuild) the
// entity's context, expose it through tools, and let the engine converse.
type Assistant struct {
	cache    *cachex.Cache
	reasoner enginex.Reasoner
	log      zerolog.Logger
	maxSteps int
}

func NewAssistant(cache *cachex.Cache, reasoner enginex.Reasoner, opts ...AssistantOption) (*Assistant, error) {
	if cache == nil {
		return nil, errors.New("cache is required")
	}
	if reasoner == nil {
		return nil, errors.New("reasoner is required")
	}

	a := &Assistant{
		cache:    cache,
		reasoner: reasoner,
		log:      zerolog.Nop(),
		maxSteps: defaultMaxSteps,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

// Ask answers question about entityID. A cache miss triggers one rebuild;
// reasoning failures surface as errors, an exhausted step budget as a
// low-trust answer.
func (a *Assistant) Ask(ctx context.Context, entityID, question string) (Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Answer{}, errors.New("question is empty")
	}

	blob, err := a.cache.Get(ctx, entityID, "")
	if errors.Is(err, cachex.ErrContextMiss) {
		blob, err = a.cache.Rebuild(ctx, entityID)
	}
	if err != nil {
		return Answer{}, fmt.Errorf("load context: %w", err)
	}

	eng, err := a.buildEngine(blob)
	if err != nil {
		return Answer{}, err
	}

	result, err := eng.Run(ctx, []enginex.Message{enginex.UserMessage(question)}, a.maxSteps)
	if err != nil {
		return Answer{}, err
	}

	a.log.Info().
		Str("entity", entityID).
		Int("steps", result.Steps).
		Bool("exhausted", result.Exhausted()).
		Msg("assistant answered")

	return Answer{
		Content:  result.Content,
		Steps:    result.Steps,
		LowTrust: result.Exhausted(),
	}, nil
}

func (a *Assistant) buildEngine(blob *cachex.ContextBlob) (*enginex.Engine, error) {
	registry := enginex.NewRegistry()

	if err := registry.Register(enginex.Tool{
		Name:        "search_documents",
		Description: "Search the client's documents by name, type, or extracted field content.",
		Contract: enginex.Contract{Fields: []enginex.Field{
			{Name: "query", Type: enginex.TypeString, Description: "Search terms", Required: true},
		}},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			query, _ := args["query"].(string)
			return searchDocuments(blob, query), nil
		},
	}); err != nil {
		return nil, err
	}

	if err := registry.Register(enginex.Tool{
		Name:        "get_profile",
		Description: "Return the client's profile: name, domain, description, categories.",
		Contract:    enginex.Contract{},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			for _, item := range blob.Items {
				if item.Kind == cachex.KindProfile && item.Profile != nil {
					return item.Profile, nil
				}
			}
			return nil, errors.New("no profile in context")
		},
	}); err != nil {
		return nil, err
	}

	system := assistantPrompt() + "\n\nClient context:\n" + contextSummary(blob)
	return enginex.New(a.reasoner, registry,
		enginex.WithSystemPrompt(system),
		enginex.WithEngineLogger(a.log),
	)
}

type documentMatch struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	DocType   string          `json:"doc_type"`
	Extracted json.RawMessage `json:"extracted,omitempty"`
}

func searchDocuments(blob *cachex.ContextBlob, query string) []documentMatch {
	query = strings.ToLower(strings.TrimSpace(query))
	matches := []documentMatch{}
	for _, item := range blob.Items {
		if item.Kind != cachex.KindDocument || item.Document == nil {
			continue
		}
		doc := item.Document
		haystack := strings.ToLower(doc.Name + " " + doc.DocType + " " + string(doc.Extracted) + " " + doc.Content)
		if query == "" || strings.Contains(haystack, query) {
			matches = append(matches, documentMatch{
				ID:        item.ID,
				Name:      doc.Name,
				DocType:   doc.DocType,
				Extracted: doc.Extracted,
			})
		}
	}
	return matches
}

// contextSummary renders the blob compactly for the system prompt: profile
// and document metadata, not full document bodies.
func contextSummary(blob *cachex.ContextBlob) string {
	summary := map[string]any{
		"entity_id": blob.EntityID,
		"version":   blob.Version,
		"items":     len(blob.Items),
	}
	var docs []map[string]string
	for _, item := range blob.Items {
		switch item.Kind {
		case cachex.KindProfile:
			summary["profile"] = item.Profile
		case cachex.KindDocument:
			if item.Document != nil {
				docs = append(docs, map[string]string{
					"id":       item.ID,
					"name":     item.Document.Name,
					"doc_type": item.Document.DocType,
				})
			}
		}
	}
	summary["documents"] = docs

	raw, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(raw)
}
