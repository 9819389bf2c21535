package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	cachex "github.com/teerapap/contextd/cache"
	enginex "github.com/teerapap/contextd/engine"
)

type mapFast struct {
	mu      sync.Mutex
	entries map[string]string
}

func newMapFast() *mapFast {
	return &mapFast{entries: map[string]string{}}
}

func (m *mapFast) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = value
	return nil
}

func (m *mapFast) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.entries[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", cachex.ErrKeyNotFound, key)
	}
	return value, nil
}

func (m *mapFast) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key]; !ok {
		return fmt.Errorf("%w: %s", cachex.ErrKeyNotFound, key)
	}
	return nil
}

func (m *mapFast) Delete(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.entries, key)
	}
	return nil
}

func (m *mapFast) Keys(ctx context.Context, pattern string) ([]string, error) {
	return nil, nil
}

func (m *mapFast) TTL(ctx context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key]; !ok {
		return 0, fmt.Errorf("%w: %s", cachex.ErrKeyNotFound, key)
	}
	return time.Hour, nil
}

func (m *mapFast) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[key]
	return ok, nil
}

type mapDurable struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMapDurable() *mapDurable {
	return &mapDurable{objects: map[string][]byte{}}
}

func (m *mapDurable) Put(ctx context.Context, key string, body []byte, contentType string, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), body...)
	return nil
}

func (m *mapDurable) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", cachex.ErrObjectNotFound, key)
	}
	return body, nil
}

func (m *mapDurable) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

type fixedSource struct {
	snap cachex.Snapshot
}

func (s fixedSource) Fetch(ctx context.Context, entityID string) (cachex.Snapshot, error) {
	return s.snap, nil
}

// toolDrivenReasoner asks for search_documents once, then answers with the
// tool output folded in.
type toolDrivenReasoner struct {
	mu       sync.Mutex
	requests []enginex.ReasonRequest
}

func (r *toolDrivenReasoner) Complete(ctx context.Context, req enginex.ReasonRequest) (enginex.ReasonResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)

	last := req.Messages[len(req.Messages)-1]
	if last.Role == enginex.RoleTool {
		return enginex.ReasonResponse{Text: "found: " + last.Content}, nil
	}
	return enginex.ReasonResponse{
		ToolCalls: []enginex.ToolCall{{
			ID:        "call_1",
			Name:      "search_documents",
			Arguments: json.RawMessage(`{"query":"policy"}`),
		}},
	}, nil
}

func newTestAssistant(t *testing.T, reasoner enginex.Reasoner) *Assistant {
	t.Helper()

	source := fixedSource{snap: cachex.Snapshot{
		Profile: cachex.ProfileItem{Name: "Acme Logistics", Domain: "logistics"},
		Documents: []cachex.DocumentRecord{
			{ID: "d1", DocumentItem: cachex.DocumentItem{Name: "fleet-policy.pdf", DocType: "policy"}},
			{ID: "d2", DocumentItem: cachex.DocumentItem{Name: "warehouse-lease.pdf", DocType: "lease"}},
		},
	}}

	cache, err := cachex.New(newMapFast(), newMapDurable(), source)
	if err != nil {
		t.Fatalf("cache.New() error = %v", err)
	}
	t.Cleanup(cache.Close)

	assistant, err := NewAssistant(cache, reasoner)
	if err != nil {
		t.Fatalf("NewAssistant() error = %v", err)
	}
	return assistant
}

func TestAskRebuildsOnMissAndUsesTools(t *testing.T) {
	t.Parallel()

	reasoner := &toolDrivenReasoner{}
	assistant := newTestAssistant(t, reasoner)

	answer, err := assistant.Ask(context.Background(), "c1", "what policies do we hold?")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if answer.LowTrust {
		t.Fatal("LowTrust = true for converged run")
	}
	if answer.Steps != 2 {
		t.Fatalf("Steps = %d, want 2", answer.Steps)
	}
	if !strings.Contains(answer.Content, "fleet-policy.pdf") {
		t.Fatalf("Content = %q, want the matched document name", answer.Content)
	}
	if strings.Contains(answer.Content, "warehouse-lease.pdf") {
		t.Fatalf("Content = %q, search leaked a non-matching document", answer.Content)
	}

	// the context summary reached the system prompt
	reasoner.mu.Lock()
	first := reasoner.requests[0]
	reasoner.mu.Unlock()
	if !strings.Contains(first.System, "Acme Logistics") {
		t.Fatal("system prompt does not carry the client profile")
	}
	if len(first.Tools) != 2 {
		t.Fatalf("advertised tools = %d, want get_profile and search_documents", len(first.Tools))
	}
}

func TestAskRejectsEmptyQuestion(t *testing.T) {
	t.Parallel()

	assistant := newTestAssistant(t, &toolDrivenReasoner{})

	if _, err := assistant.Ask(context.Background(), "c1", "   "); err == nil {
		t.Fatal("Ask() with blank question: error = nil, want error")
	}
}

func TestSearchDocumentsMatching(t *testing.T) {
	t.Parallel()

	blob := cachex.NewBlob("c1", []cachex.ContextItem{
		{ID: "d1", Kind: cachex.KindDocument, Document: &cachex.DocumentItem{
			Name:      "fleet-policy.pdf",
			DocType:   "policy",
			Extracted: json.RawMessage(`{"insurer":"Allied Mutual"}`),
		}},
		{ID: "d2", Kind: cachex.KindDocument, Document: &cachex.DocumentItem{
			Name:    "warehouse-lease.pdf",
			DocType: "lease",
		}},
		{ID: "m1", Kind: cachex.KindHistory, Document: nil, History: &cachex.HistoryItem{Role: "user", Content: "policy question"}},
	})

	cases := []struct {
		query string
		want  []string
	}{
		{query: "policy", want: []string{"d1"}},
		{query: "ALLIED", want: []string{"d1"}},
		{query: "lease", want: []string{"d2"}},
		{query: "", want: []string{"d1", "d2"}},
		{query: "missing", want: []string{}},
	}

	for _, tc := range cases {
		matches := searchDocuments(&blob, tc.query)
		if len(matches) != len(tc.want) {
			t.Fatalf("searchDocuments(%q) = %d matches, want %d", tc.query, len(matches), len(tc.want))
		}
		for i, match := range matches {
			if match.ID != tc.want[i] {
				t.Fatalf("searchDocuments(%q)[%d] = %q, want %q", tc.query, i, match.ID, tc.want[i])
			}
		}
	}
}
