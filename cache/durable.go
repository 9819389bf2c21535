package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var ErrObjectNotFound = errors.New("object not found in durable store")

// DurableStore is the cold tier: non-expiring blob storage, last-write-wins.
type DurableStore interface {
	Put(ctx context.Context, key string, body []byte, contentType string, metadata map[string]string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// ObjectStoreConfig points at an S3-compatible endpoint (R2, MinIO, ...).
type ObjectStoreConfig struct {
	Endpoint string        `envconfig:"ENDPOINT" split_words:"true" required:"true"`
	Bucket   string        `envconfig:"BUCKET" split_words:"true" required:"true"`
	Token    string        `envconfig:"TOKEN" split_words:"true" required:"true"`
	Timeout  time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"30s"`
}

// ObjectStoreOption customizes ObjectStore.
type ObjectStoreOption func(*ObjectStore)

func WithObjectHTTPClient(client *http.Client) ObjectStoreOption {
	return func(s *ObjectStore) {
		if client != nil {
			s.httpClient = client
		}
	}
}

// ObjectStore stores blobs under {endpoint}/{bucket}/{key} with bearer-token
// auth. Metadata travels as x-amz-meta-* headers.
type ObjectStore struct {
	endpoint   string
	bucket     string
	token      string
	httpClient *http.Client
}

func NewObjectStore(cfg ObjectStoreConfig, opts ...ObjectStoreOption) (*ObjectStore, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, errors.New("object store endpoint is required")
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("invalid object store endpoint: %w", err)
	}

	bucket := strings.Trim(strings.TrimSpace(cfg.Bucket), "/")
	if bucket == "" {
		return nil, errors.New("object store bucket is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	store := &ObjectStore{
		endpoint: endpoint,
		bucket:   bucket,
		token:    strings.TrimSpace(cfg.Token),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	return store, nil
}

func (s *ObjectStore) Put(ctx context.Context, key string, body []byte, contentType string, metadata map[string]string) error {
	req, err := s.request(ctx, http.MethodPut, key, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for name, value := range metadata {
		req.Header.Set("x-amz-meta-"+name, value)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute object put: %w", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("object put status=%d key=%s", resp.StatusCode, key)
	}
	return nil
}

func (s *ObjectStore) Get(ctx context.Context, key string) ([]byte, error) {
	req, err := s.request(ctx, http.MethodGet, key, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute object get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("object get status=%d key=%s", resp.StatusCode, key)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSizeBytes))
	if err != nil {
		return nil, fmt.Errorf("read object body: %w", err)
	}
	return raw, nil
}

func (s *ObjectStore) Delete(ctx context.Context, key string) error {
	req, err := s.request(ctx, http.MethodDelete, key, nil)
	if err != nil {
		return err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute object delete: %w", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusNotFound &&
		(resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices) {
		return fmt.Errorf("object delete status=%d key=%s", resp.StatusCode, key)
	}
	return nil
}

func (s *ObjectStore) request(ctx context.Context, method, key string, body io.Reader) (*http.Request, error) {
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	if key == "" {
		return nil, errors.New("object key is required")
	}

	target := s.endpoint + "/" + s.bucket + "/" + key
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build object request: %w", err)
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	return req, nil
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxResponseSizeBytes))
	_ = body.Close()
}
