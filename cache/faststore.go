package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var ErrKeyNotFound = errors.New("key not found in fast store")

const maxResponseSizeBytes = 8 << 20

// FastStore is the hot tier: per-key expiry, atomic per-key operations.
type FastStore interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, pattern string) ([]string, error)
	// TTL returns the remaining expiry, -1 for keys without one, and
	// ErrKeyNotFound for absent keys.
	TTL(ctx context.Context, key string) (time.Duration, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// FastStoreOption customizes UpstashRedisStore.
type FastStoreOption func(*UpstashRedisStore)

func WithHTTPClient(client *http.Client) FastStoreOption {
	return func(s *UpstashRedisStore) {
		if client != nil {
			s.httpClient = client
		}
	}
}

// UpstashRedisStore talks to Upstash Redis via its REST protocol: one POST
// per command, the command encoded as a JSON array.
type UpstashRedisStore struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

type RedisConfig struct {
	URL     string        `envconfig:"URL" split_words:"true" required:"true"`
	Token   string        `envconfig:"TOKEN" split_words:"true" required:"true"`
	Timeout time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"10s"`
}

type redisRESTResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

func NewUpstashRedisStore(cfg RedisConfig, opts ...FastStoreOption) (*UpstashRedisStore, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if baseURL == "" {
		return nil, errors.New("upstash redis url is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid redis rest url: %w", err)
	}

	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("upstash redis token is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	store := &UpstashRedisStore{
		baseURL: baseURL,
		token:   token,
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

func (s *UpstashRedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	cmd := []any{"SET", key, value}
	if ttl > 0 {
		cmd = append(cmd, "EX", ttlSeconds(ttl))
	}
	_, err := s.exec(ctx, cmd)
	return err
}

func (s *UpstashRedisStore) Get(ctx context.Context, key string) (string, error) {
	resp, err := s.exec(ctx, []any{"GET", key})
	if err != nil {
		return "", err
	}

	result := bytes.TrimSpace(resp.Result)
	if len(result) == 0 || bytes.Equal(result, []byte("null")) {
		return "", fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}

	var value string
	if err := json.Unmarshal(result, &value); err != nil {
		return "", fmt.Errorf("decode redis value: %w", err)
	}
	return value, nil
}

func (s *UpstashRedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	resp, err := s.exec(ctx, []any{"EXPIRE", key, ttlSeconds(ttl)})
	if err != nil {
		return err
	}
	var updated int64
	if err := json.Unmarshal(bytes.TrimSpace(resp.Result), &updated); err != nil {
		return fmt.Errorf("decode expire result: %w", err)
	}
	if updated == 0 {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	return nil
}

func (s *UpstashRedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	cmd := make([]any, 0, len(keys)+1)
	cmd = append(cmd, "DEL")
	for _, key := range keys {
		cmd = append(cmd, key)
	}
	_, err := s.exec(ctx, cmd)
	return err
}

func (s *UpstashRedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	resp, err := s.exec(ctx, []any{"KEYS", pattern})
	if err != nil {
		return nil, err
	}
	var keys []string
	if err := json.Unmarshal(bytes.TrimSpace(resp.Result), &keys); err != nil {
		return nil, fmt.Errorf("decode keys result: %w", err)
	}
	return keys, nil
}

func (s *UpstashRedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	resp, err := s.exec(ctx, []any{"TTL", key})
	if err != nil {
		return 0, err
	}
	var seconds int64
	if err := json.Unmarshal(bytes.TrimSpace(resp.Result), &seconds); err != nil {
		return 0, fmt.Errorf("decode ttl result: %w", err)
	}
	switch {
	case seconds == -2:
		return 0, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	case seconds == -1:
		return -1, nil
	default:
		return time.Duration(seconds) * time.Second, nil
	}
}

func (s *UpstashRedisStore) Exists(ctx context.Context, key string) (bool, error) {
	resp, err := s.exec(ctx, []any{"EXISTS", key})
	if err != nil {
		return false, err
	}
	var count int64
	if err := json.Unmarshal(bytes.TrimSpace(resp.Result), &count); err != nil {
		return false, fmt.Errorf("decode exists result: %w", err)
	}
	return count > 0, nil
}

func (s *UpstashRedisStore) exec(ctx context.Context, command []any) (*redisRESTResponse, error) {
	if len(command) == 0 {
		return nil, errors.New("empty redis command")
	}

	body, err := json.Marshal(command)
	if err != nil {
		return nil, fmt.Errorf("marshal redis command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build redis request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute redis request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSizeBytes))
	if err != nil {
		return nil, fmt.Errorf("read redis response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("redis http status=%d body=%s", resp.StatusCode, string(raw))
	}

	var parsed redisRESTResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode redis response: %w", err)
	}
	if parsed.Error != "" {
		return nil, errors.New(parsed.Error)
	}
	return &parsed, nil
}

func ttlSeconds(ttl time.Duration) int64 {
	seconds := ttl / time.Second
	if seconds <= 0 {
		return 1
	}
	if ttl%time.Second != 0 {
		seconds++
	}
	return int64(seconds)
}
