package schema

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/shogotsuneto/go-simple-ingest/codec"
)

const ordersSchema = `{"type":"record","name":"Order","fields":[{"name":"id","type":"long"}]}`

func TestStatic(t *testing.T) {
	src := map[string]codec.Schema{"orders": {Subject: "orders", Definition: ordersSchema}}
	s := NewStatic(src)
	delete(src, "orders")

	got, err := s.CurrentSchema(context.Background(), "orders")
	if err != nil {
		t.Fatalf("CurrentSchema failed: %v", err)
	}
	if got.Definition != ordersSchema {
		t.Errorf("Expected orders schema, got %q", got.Definition)
	}

	if _, err := s.CurrentSchema(context.Background(), "payments"); err == nil {
		t.Error("Expected error for unknown source")
	}
}

func TestFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orders.avsc")
	if err := os.WriteFile(path, []byte(ordersSchema), 0o600); err != nil {
		t.Fatalf("write schema: %v", err)
	}

	s, err := FromFile("orders", path)
	if err != nil {
		t.Fatalf("FromFile failed: %v", err)
	}
	got, err := s.CurrentSchema(context.Background(), "orders")
	if err != nil {
		t.Fatalf("CurrentSchema failed: %v", err)
	}
	if got.Subject != "orders" || got.Definition != ordersSchema {
		t.Errorf("Unexpected schema %+v", got)
	}

	if _, err := FromFile("orders", filepath.Join(t.TempDir(), "missing.avsc")); err == nil {
		t.Error("Expected error for a missing file")
	}
}

func newRegistryServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Accept") != registryContentType {
			t.Errorf("Expected Accept %s, got %s", registryContentType, r.Header.Get("Accept"))
		}
		switch r.URL.Path {
		case "/subjects/orders-value/versions/latest":
			w.Header().Set("Content-Type", registryContentType)
			_, _ = io.WriteString(w, `{"subject":"orders-value","version":3,"id":17,"schema":"{\"type\":\"string\"}"}`)
		case "/schemas/ids/4":
			w.Header().Set("Content-Type", registryContentType)
			_, _ = io.WriteString(w, `{"schema":"{\"type\":\"long\"}"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error_code":40401,"message":"Subject not found."}`)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRegistry_FetchLatest(t *testing.T) {
	var hits atomic.Int32
	srv := newRegistryServer(t, &hits)

	r, err := NewRegistry(RegistryConfig{URL: srv.URL + "/"})
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	got, err := r.CurrentSchema(context.Background(), "orders")
	if err != nil {
		t.Fatalf("CurrentSchema failed: %v", err)
	}
	if got.ID != 17 || got.Subject != "orders-value" || got.Definition != `{"type":"string"}` {
		t.Errorf("Unexpected schema %+v", got)
	}

	if _, err := r.CurrentSchema(context.Background(), "orders"); err != nil {
		t.Fatalf("CurrentSchema failed: %v", err)
	}
	if hits.Load() != 2 {
		t.Errorf("Expected 2 requests without a cache, got %d", hits.Load())
	}
}

func TestRegistry_Cache(t *testing.T) {
	var hits atomic.Int32
	srv := newRegistryServer(t, &hits)

	r, err := NewRegistry(RegistryConfig{URL: srv.URL, CacheTTL: time.Minute})
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if _, err := r.CurrentSchema(context.Background(), "orders"); err != nil {
			t.Fatalf("CurrentSchema failed: %v", err)
		}
	}
	if hits.Load() != 1 {
		t.Errorf("Expected 1 request while cached, got %d", hits.Load())
	}

	now = now.Add(2 * time.Minute)
	if _, err := r.CurrentSchema(context.Background(), "orders"); err != nil {
		t.Fatalf("CurrentSchema failed: %v", err)
	}
	if hits.Load() != 2 {
		t.Errorf("Expected a refetch after the ttl, got %d requests", hits.Load())
	}
}

func TestRegistry_NotFound(t *testing.T) {
	var hits atomic.Int32
	srv := newRegistryServer(t, &hits)

	r, err := NewRegistry(RegistryConfig{URL: srv.URL})
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	if _, err := r.CurrentSchema(context.Background(), "payments"); err == nil {
		t.Fatal("Expected error for an unknown subject")
	}
}

func TestRegistry_SchemaByID(t *testing.T) {
	var hits atomic.Int32
	srv := newRegistryServer(t, &hits)

	r, err := NewRegistry(RegistryConfig{URL: srv.URL})
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		got, err := r.SchemaByID(context.Background(), 4)
		if err != nil {
			t.Fatalf("SchemaByID failed: %v", err)
		}
		if got.ID != 4 || got.Definition != `{"type":"long"}` {
			t.Errorf("Unexpected schema %+v", got)
		}
	}
	if hits.Load() != 1 {
		t.Errorf("Expected 1 request for a known id, got %d", hits.Load())
	}

	if _, err := r.SchemaByID(context.Background(), 5); err == nil {
		t.Error("Expected error for an unknown id")
	}
}

func TestRegistry_CancelledCallerDoesNotFailOthers(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			close(started)
		}
		<-release
		_, _ = io.WriteString(w, `{"subject":"orders-value","version":1,"id":3,"schema":"{\"type\":\"string\"}"}`)
	}))
	t.Cleanup(srv.Close)

	r, err := NewRegistry(RegistryConfig{URL: srv.URL})
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := r.CurrentSchema(ctx, "orders")
		first <- err
	}()
	<-started

	second := make(chan error, 1)
	go func() {
		got, err := r.CurrentSchema(context.Background(), "orders")
		if err == nil && got.ID != 3 {
			err = fmt.Errorf("unexpected schema %+v", got)
		}
		second <- err
	}()

	cancel()
	if err := <-first; !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled for the cancelled caller, got %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	if err := <-second; err != nil {
		t.Errorf("Expected the other caller to succeed, got %v", err)
	}
}

func TestNewRegistry_RequiresURL(t *testing.T) {
	if _, err := NewRegistry(RegistryConfig{}); err == nil {
		t.Fatal("Expected error without url")
	}
}

type fakeS3 struct {
	objects map[string][]byte
	keys    []string
}

func (f *fakeS3) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	key := aws.ToString(params.Key)
	f.keys = append(f.keys, aws.ToString(params.Bucket)+"/"+key)
	data, ok := f.objects[key]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestS3Provider(t *testing.T) {
	api := &fakeS3{objects: map[string][]byte{
		"schemas/orders.avsc": []byte(ordersSchema),
		"schemas/empty.avsc":  {},
	}}
	p := newS3ProviderWithAPI("bucket", "schemas/", api)

	got, err := p.CurrentSchema(context.Background(), "orders")
	if err != nil {
		t.Fatalf("CurrentSchema failed: %v", err)
	}
	if got.Subject != "orders" || got.Definition != ordersSchema {
		t.Errorf("Unexpected schema %+v", got)
	}
	if len(api.keys) != 1 || api.keys[0] != "bucket/schemas/orders.avsc" {
		t.Errorf("Unexpected object lookups %v", api.keys)
	}

	if _, err := p.CurrentSchema(context.Background(), "payments"); err == nil {
		t.Error("Expected error for a missing object")
	}
	if _, err := p.CurrentSchema(context.Background(), "empty"); err == nil {
		t.Error("Expected error for an empty object")
	}
}

func TestNewS3Provider_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  S3Config
	}{
		{"missing bucket", S3Config{Region: "us-east-1"}},
		{"missing region", S3Config{Bucket: "schemas"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewS3Provider(context.Background(), tt.cfg); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}
