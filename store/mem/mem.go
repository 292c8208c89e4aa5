// Package mem holds an in-memory Backend used by engine tests and as a
// throwaway dev backend. Same contract as the SQL stores, guarded by one
// mutex instead of transactions.
package mem

import (
	"context"
	"sync"
	"time"

	"github.com/vitalsync/data-sync/store"
)

type key struct {
	entityType string
	ownerID    string
	clientID   string
}

type Store struct {
	mu      sync.Mutex
	records map[key]*store.Record
}

func New() *Store {
	return &Store{records: make(map[key]*store.Record)}
}

// Collection binds an EntityStore to one entity type.
func (s *Store) Collection(name string) store.EntityStore {
	return &collectionStore{parent: s, entityType: name}
}

type collectionStore struct {
	parent     *Store
	entityType string
}

func (c *collectionStore) key(ownerID, clientID string) key {
	return key{entityType: c.entityType, ownerID: ownerID, clientID: clientID}
}

func clone(r *store.Record) *store.Record {
	copied := *r
	copied.Fields = append([]byte(nil), r.Fields...)
	if r.DeletedAt != nil {
		deleted := *r.DeletedAt
		copied.DeletedAt = &deleted
	}
	return &copied
}

func (c *collectionStore) FindByClientID(ctx context.Context, ownerID, clientID string) (*store.Record, error) {
	c.parent.mu.Lock()
	defer c.parent.mu.Unlock()

	record, ok := c.parent.records[c.key(ownerID, clientID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(record), nil
}

func (c *collectionStore) Create(ctx context.Context, record *store.Record) error {
	c.parent.mu.Lock()
	defer c.parent.mu.Unlock()

	k := c.key(record.OwnerID, record.ClientID)
	if _, ok := c.parent.records[k]; ok {
		return store.ErrConflict
	}
	c.parent.records[k] = clone(record)
	return nil
}

func (c *collectionStore) Update(ctx context.Context, record *store.Record) error {
	c.parent.mu.Lock()
	defer c.parent.mu.Unlock()

	k := c.key(record.OwnerID, record.ClientID)
	existing, ok := c.parent.records[k]
	if !ok {
		return store.ErrNotFound
	}
	if !existing.UpdatedAt.Before(record.UpdatedAt) {
		return store.ErrConflict
	}
	updated := clone(record)
	updated.ID = existing.ID
	updated.DeletedAt = nil
	c.parent.records[k] = updated
	return nil
}

func (c *collectionStore) SoftDelete(ctx context.Context, ownerID, clientID string, deletedAt, updatedAt time.Time) error {
	c.parent.mu.Lock()
	defer c.parent.mu.Unlock()

	k := c.key(ownerID, clientID)
	existing, ok := c.parent.records[k]
	if !ok {
		return store.ErrNotFound
	}
	if !existing.UpdatedAt.Before(updatedAt) {
		return store.ErrConflict
	}
	deleted := deletedAt
	existing.DeletedAt = &deleted
	existing.UpdatedAt = updatedAt
	return nil
}

func (c *collectionStore) QueryMutatedSince(ctx context.Context, ownerID string, since time.Time) ([]store.Record, error) {
	c.parent.mu.Lock()
	defer c.parent.mu.Unlock()

	records := make([]store.Record, 0)
	for k, record := range c.parent.records {
		if k.entityType != c.entityType || k.ownerID != ownerID {
			continue
		}
		if record.UpdatedAt.After(since) {
			records = append(records, *clone(record))
		}
	}
	return records, nil
}
