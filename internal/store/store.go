// Package store persists the control plane document. A Store is a thin
// JSON layer over a key-value Backend; the backend decides whether bytes
// end up in a directory, a SQLite file or a JetStream bucket.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mtzanidakis/clawreform/internal/catalog"
	"github.com/mtzanidakis/clawreform/internal/config"
	"github.com/mtzanidakis/clawreform/internal/natsbus"
	"github.com/mtzanidakis/clawreform/internal/vault"
)

// Backend stores opaque blobs by key. Get returns (nil, nil) for a key
// that was never written.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Close() error
}

type Store struct {
	backend Backend
}

func New(b Backend) *Store {
	return &Store{backend: b}
}

// Open builds the backend selected by cfg. natsURL is only dialed for the
// nats backend.
func Open(ctx context.Context, cfg config.StoreConfig, natsURL string) (*Store, error) {
	var (
		b   Backend
		err error
	)
	switch cfg.Backend {
	case "memory":
		b = NewMemoryBackend()
	case "file":
		b, err = NewFileBackend(cfg.Path)
	case "sqlite":
		b, err = NewSQLiteBackend(cfg.Path)
	case "nats":
		var client *natsbus.Client
		client, err = natsbus.NewClientFromURL(natsURL)
		if err != nil {
			return nil, err
		}
		b, err = NewNATSBackend(ctx, client, cfg.Bucket)
		if err != nil {
			client.Close()
		}
	default:
		err = fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Passphrase != "" {
		v, err := vault.New(cfg.Passphrase)
		if err != nil {
			b.Close()
			return nil, err
		}
		b = NewSealedBackend(b, v)
	}
	return New(b), nil
}

func (s *Store) Close() error {
	return s.backend.Close()
}

// LoadJSON decodes the blob under key into v. It reports false when the
// key does not exist.
func (s *Store) LoadJSON(ctx context.Context, key string, v any) (bool, error) {
	data, err := s.backend.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) SaveJSON(ctx context.Context, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.SaveRaw(ctx, key, data)
}

// LoadRaw returns the stored bytes for key, or nil when absent.
func (s *Store) LoadRaw(ctx context.Context, key string) ([]byte, error) {
	data, err := s.backend.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return data, nil
}

func (s *Store) SaveRaw(ctx context.Context, key string, data []byte) error {
	if err := s.backend.Put(ctx, key, data); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Load returns the normalized state document. It never fails: missing or
// unreadable state degrades to a fresh default document.
func (s *Store) Load(ctx context.Context, cat *catalog.Catalog, defaults *Document, now time.Time, activityLimit int) *Document {
	doc := &Document{}
	found, err := s.LoadJSON(ctx, StateKey, doc)
	switch {
	case err != nil:
		slog.Warn("state unreadable, starting fresh", "error", err)
		doc = defaults
	case !found:
		doc = defaults
	}
	Normalize(doc, cat, now, activityLimit)
	return doc
}

func (s *Store) Save(ctx context.Context, doc *Document) error {
	return s.SaveJSON(ctx, StateKey, doc)
}
