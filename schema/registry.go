package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/shogotsuneto/go-simple-ingest/codec"
)

const registryContentType = "application/vnd.schemaregistry.v1+json"

// RegistryConfig configures a Confluent compatible schema registry client.
type RegistryConfig struct {
	URL string
	// CacheTTL is how long a fetched schema is reused; 0 disables caching
	CacheTTL time.Duration
	// SubjectSuffix is appended to the source id to form the subject, "-value" by default
	SubjectSuffix string
	Username      string
	Password      string
	// RequestTimeout bounds a registry request, 10s by default
	RequestTimeout time.Duration
	Client         *http.Client
}

// Registry fetches the latest schema version of a subject from a schema registry.
// Concurrent lookups of the same subject share one request, which is not cancelled
// when one of the callers gives up.
type Registry struct {
	cfg    RegistryConfig
	client *http.Client
	now    func() time.Time

	flight singleflight.Group
	mu     sync.RWMutex
	cache  map[string]cachedSchema
	byID   map[int]codec.Schema
}

type cachedSchema struct {
	schema  codec.Schema
	fetched time.Time
}

type registryResponse struct {
	Subject string `json:"subject"`
	Version int    `json:"version"`
	ID      int    `json:"id"`
	Schema  string `json:"schema"`
}

// NewRegistry creates a registry client.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("schema registry url required")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("invalid schema registry url: %w", err)
	}
	if cfg.SubjectSuffix == "" {
		cfg.SubjectSuffix = "-value"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.RequestTimeout}
	}
	return &Registry{
		cfg:    cfg,
		client: client,
		now:    time.Now,
		cache:  make(map[string]cachedSchema),
		byID:   make(map[int]codec.Schema),
	}, nil
}

// CurrentSchema returns the latest registered schema of the source's subject.
func (r *Registry) CurrentSchema(ctx context.Context, sourceID string) (*codec.Schema, error) {
	subject := sourceID + r.cfg.SubjectSuffix

	if r.cfg.CacheTTL > 0 {
		r.mu.RLock()
		cached, ok := r.cache[subject]
		r.mu.RUnlock()
		if ok && r.now().Sub(cached.fetched) < r.cfg.CacheTTL {
			schema := cached.schema
			return &schema, nil
		}
	}

	v, err := r.shared(ctx, subject, func(ctx context.Context) (any, error) {
		return r.fetchLatest(ctx, subject)
	})
	if err != nil {
		return nil, err
	}
	schema := v.(codec.Schema)

	if r.cfg.CacheTTL > 0 {
		r.mu.Lock()
		r.cache[subject] = cachedSchema{schema: schema, fetched: r.now()}
		r.mu.Unlock()
	}
	return &schema, nil
}

// SchemaByID returns the schema registered under a global registry id. Ids never change
// their schema, so results are cached for the lifetime of the registry.
func (r *Registry) SchemaByID(ctx context.Context, id int) (*codec.Schema, error) {
	r.mu.RLock()
	cached, ok := r.byID[id]
	r.mu.RUnlock()
	if ok {
		return &cached, nil
	}

	v, err := r.shared(ctx, "id:"+strconv.Itoa(id), func(ctx context.Context) (any, error) {
		var payload registryResponse
		if err := r.get(ctx, "/schemas/ids/"+strconv.Itoa(id), &payload); err != nil {
			return codec.Schema{}, fmt.Errorf("fetch schema id %d: %w", id, err)
		}
		if payload.Schema == "" {
			return codec.Schema{}, fmt.Errorf("schema id %d has no definition", id)
		}
		return codec.Schema{ID: id, Definition: payload.Schema}, nil
	})
	if err != nil {
		return nil, err
	}
	schema := v.(codec.Schema)

	r.mu.Lock()
	r.byID[id] = schema
	r.mu.Unlock()
	return &schema, nil
}

// shared runs fn once per key for all concurrent callers. fn runs detached from the
// caller's cancellation and is bounded by the request timeout; each caller still
// returns as soon as its own ctx is done.
func (r *Registry) shared(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	ch := r.flight.DoChan(key, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.RequestTimeout)
		defer cancel()
		return fn(fetchCtx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}

func (r *Registry) fetchLatest(ctx context.Context, subject string) (codec.Schema, error) {
	var payload registryResponse
	if err := r.get(ctx, "/subjects/"+url.PathEscape(subject)+"/versions/latest", &payload); err != nil {
		return codec.Schema{}, fmt.Errorf("fetch schema %s: %w", subject, err)
	}
	if payload.Schema == "" {
		return codec.Schema{}, fmt.Errorf("schema %s has no definition", subject)
	}
	return codec.Schema{ID: payload.ID, Subject: subject, Definition: payload.Schema}, nil
}

func (r *Registry) get(ctx context.Context, path string, out any) error {
	endpoint := strings.TrimRight(r.cfg.URL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", registryContentType)
	if r.cfg.Username != "" {
		req.SetBasicAuth(r.cfg.Username, r.cfg.Password)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
