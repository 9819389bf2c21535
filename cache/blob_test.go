package cache

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestContextItemValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		item    ContextItem
		wantErr bool
	}{
		{
			name: "profile ok",
			item: ContextItem{ID: "profile", Kind: KindProfile, Profile: &ProfileItem{Name: "Acme Corp"}},
		},
		{
			name:    "profile missing payload",
			item:    ContextItem{ID: "profile", Kind: KindProfile},
			wantErr: true,
		},
		{
			name: "document ok",
			item: ContextItem{ID: "d1", Kind: KindDocument, Document: &DocumentItem{Name: "policy.pdf", DocType: "policy"}},
		},
		{
			name:    "document missing payload",
			item:    ContextItem{ID: "d1", Kind: KindDocument},
			wantErr: true,
		},
		{
			name: "history ok",
			item: ContextItem{ID: "m1", Kind: KindHistory, History: &HistoryItem{Role: "user", Content: "hi", At: time.Now()}},
		},
		{
			name: "opaque ok",
			item: ContextItem{ID: "x1", Kind: KindOpaque, Opaque: json.RawMessage(`{"k":"v"}`)},
		},
		{
			name:    "opaque empty payload",
			item:    ContextItem{ID: "x1", Kind: KindOpaque},
			wantErr: true,
		},
		{
			name:    "unknown kind",
			item:    ContextItem{ID: "z1", Kind: ItemKind("banner")},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := tc.item.Validate()
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidItem) {
					t.Fatalf("Validate() = %v, want ErrInvalidItem", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
		})
	}
}

func TestNewVersionMonotonic(t *testing.T) {
	t.Parallel()

	prev := NewVersion()
	for i := 0; i < 100; i++ {
		next := NewVersion()
		if next <= prev {
			t.Fatalf("version %q not greater than previous %q", next, prev)
		}
		prev = next
	}
}

func TestNewBlobEstimatesSize(t *testing.T) {
	t.Parallel()

	blob := NewBlob("c1", []ContextItem{
		{ID: "profile", Kind: KindProfile, Profile: &ProfileItem{Name: "Acme Corp"}},
	})

	if blob.EntityID != "c1" {
		t.Fatalf("EntityID = %q, want %q", blob.EntityID, "c1")
	}
	if blob.Version == "" {
		t.Fatal("Version is empty")
	}
	if blob.SizeBytes <= 0 {
		t.Fatalf("SizeBytes = %d, want > 0", blob.SizeBytes)
	}
	if blob.TokenEstimate != blob.SizeBytes/4 {
		t.Fatalf("TokenEstimate = %d, want %d", blob.TokenEstimate, blob.SizeBytes/4)
	}
	if blob.GeneratedAt.IsZero() {
		t.Fatal("GeneratedAt is zero")
	}
}

func TestWithItemKeepsReceiverUnchanged(t *testing.T) {
	t.Parallel()

	base := NewBlob("c1", []ContextItem{
		{ID: "profile", Kind: KindProfile, Profile: &ProfileItem{Name: "Acme Corp"}},
		{ID: "d1", Kind: KindDocument, Document: &DocumentItem{Name: "policy.pdf", DocType: "policy"}},
	})

	grown := base.WithItem(ContextItem{
		ID:      "m1",
		Kind:    KindHistory,
		History: &HistoryItem{Role: "user", Content: "renewal?", At: time.Now()},
	})

	if len(base.Items) != 2 {
		t.Fatalf("base items = %d after WithItem, want 2", len(base.Items))
	}
	if len(grown.Items) != 3 {
		t.Fatalf("grown items = %d, want 3", len(grown.Items))
	}
	if grown.Version == base.Version {
		t.Fatal("WithItem reused the old version")
	}
	if grown.Version < base.Version {
		t.Fatalf("new version %q sorts before old %q", grown.Version, base.Version)
	}

	wantIDs := []string{"profile", "d1", "m1"}
	gotIDs := grown.ItemIDs()
	if len(gotIDs) != len(wantIDs) {
		t.Fatalf("ItemIDs() = %v, want %v", gotIDs, wantIDs)
	}
	for i := range wantIDs {
		if gotIDs[i] != wantIDs[i] {
			t.Fatalf("ItemIDs()[%d] = %q, want %q", i, gotIDs[i], wantIDs[i])
		}
	}
}
