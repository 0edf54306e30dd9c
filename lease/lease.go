// Package lease guards tables with etcd locks so that only one process runs a cycle for a
// table at a time.
package lease

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"

	ingest "github.com/shogotsuneto/go-simple-ingest"
)

// Compile-time interface compliance check
var _ ingest.Locker = (*Locker)(nil)

const (
	// DefaultPrefix is the etcd key prefix for table locks.
	DefaultPrefix = "/go-simple-ingest/tables"

	defaultTTLSeconds = 10
)

// Config configures the etcd locker.
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	Prefix      string
	// TTLSeconds is how long a lock outlives a crashed holder
	TTLSeconds int
	Logger     *zap.Logger
}

// Locker holds one etcd session whose lease backs every table lock it takes.
type Locker struct {
	client *clientv3.Client
	owned  bool
	prefix string
	ttl    int
	logger *zap.Logger

	mu      sync.Mutex
	session *concurrency.Session
}

// New connects to etcd and returns a locker that owns the client.
func New(cfg Config) (*Locker, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("at least one etcd endpoint is required")
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd: %w", err)
	}
	l := NewWithClient(client, cfg)
	l.owned = true
	return l, nil
}

// NewWithClient returns a locker over an existing client. Close does not close the client.
func NewWithClient(client *clientv3.Client, cfg Config) *Locker {
	prefix := strings.TrimRight(cfg.Prefix, "/")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	ttl := cfg.TTLSeconds
	if ttl <= 0 {
		ttl = defaultTTLSeconds
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Locker{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger,
	}
}

func (l *Locker) key(tableID string) string {
	return l.prefix + "/" + tableID
}

// Lock takes the lock of the table without waiting. It returns ingest.ErrCycleInProgress
// when another session holds it.
func (l *Locker) Lock(ctx context.Context, tableID string) (func(), error) {
	session, err := l.getOrCreateSession()
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	mutex := concurrency.NewMutex(session, l.key(tableID))
	if err := mutex.TryLock(ctx); err != nil {
		if errors.Is(err, concurrency.ErrLocked) {
			return nil, ingest.ErrCycleInProgress
		}
		return nil, fmt.Errorf("lock table '%s': %w", tableID, err)
	}

	unlock := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mutex.Unlock(releaseCtx); err != nil {
			l.logger.Warn("failed to release table lock", zap.String("table", tableID), zap.Error(err))
		}
	}
	return unlock, nil
}

func (l *Locker) getOrCreateSession() (*concurrency.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.session != nil {
		select {
		case <-l.session.Done():
			l.logger.Warn("etcd session expired, creating a new one")
			l.session = nil
		default:
			return l.session, nil
		}
	}

	session, err := concurrency.NewSession(l.client, concurrency.WithTTL(l.ttl))
	if err != nil {
		return nil, err
	}
	l.session = session
	return session, nil
}

// Close revokes the session, releasing every lock it backs.
func (l *Locker) Close() error {
	l.mu.Lock()
	session := l.session
	l.session = nil
	l.mu.Unlock()

	var errs []error
	if session != nil {
		if err := session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close session: %w", err))
		}
	}
	if l.owned {
		if err := l.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close etcd client: %w", err))
		}
	}
	return errors.Join(errs...)
}
