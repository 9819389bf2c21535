package cache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// fakeBucket emulates an S3-compatible bucket endpoint.
type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	headers map[string]http.Header
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{
		objects: map[string][]byte{},
		headers: map[string]http.Header{},
	}
}

func (f *fakeBucket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer bucket-token" {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	key := r.URL.Path
	switch r.Method {
	case http.MethodPut:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.objects[key] = body
		f.headers[key] = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		body, ok := f.objects[key]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(body)
	case http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func newTestObjectStore(t *testing.T) (*ObjectStore, *fakeBucket) {
	t.Helper()

	bucket := newFakeBucket()
	server := httptest.NewServer(bucket)
	t.Cleanup(server.Close)

	store, err := NewObjectStore(ObjectStoreConfig{
		Endpoint: server.URL,
		Bucket:   "context-cache",
		Token:    "bucket-token",
	})
	if err != nil {
		t.Fatalf("NewObjectStore() error = %v", err)
	}
	return store, bucket
}

func TestObjectStorePutGet(t *testing.T) {
	t.Parallel()

	store, bucket := newTestObjectStore(t)
	ctx := context.Background()

	payload := []byte(`{"entity_id":"c1"}`)
	metadata := map[string]string{"entity": "c1", "version": "01ABC"}
	if err := store.Put(ctx, "context-backups/c1/01ABC.json", payload, "application/json", metadata); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := store.Get(ctx, "context-backups/c1/01ABC.json")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("Get() = %s, want %s", got, payload)
	}

	bucket.mu.Lock()
	headers := bucket.headers["/context-cache/context-backups/c1/01ABC.json"]
	bucket.mu.Unlock()
	if headers == nil {
		t.Fatal("object stored under an unexpected path")
	}
	if headers.Get("Content-Type") != "application/json" {
		t.Fatalf("Content-Type = %q, want application/json", headers.Get("Content-Type"))
	}
	if headers.Get("x-amz-meta-entity") != "c1" {
		t.Fatalf("x-amz-meta-entity = %q, want c1", headers.Get("x-amz-meta-entity"))
	}
}

func TestObjectStoreGetMissing(t *testing.T) {
	t.Parallel()

	store, _ := newTestObjectStore(t)

	_, err := store.Get(context.Background(), "context-backups/ghost/latest.json")
	if !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("Get() error = %v, want ErrObjectNotFound", err)
	}
}

func TestObjectStoreDeleteTolerable(t *testing.T) {
	t.Parallel()

	store, _ := newTestObjectStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, "k.json", []byte("{}"), "application/json", nil); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := store.Delete(ctx, "k.json"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	// deleting an absent key is not an error
	if err := store.Delete(ctx, "k.json"); err != nil {
		t.Fatalf("Delete() of absent key error = %v", err)
	}
}

func TestObjectStoreRejectsEmptyKey(t *testing.T) {
	t.Parallel()

	store, _ := newTestObjectStore(t)

	if _, err := store.Get(context.Background(), "  "); err == nil {
		t.Fatal("Get() with blank key: error = nil, want error")
	}
}
