package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned by FindByClientID when no record exists for the
// given (owner, client id) pair, tombstoned or otherwise.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when a write loses the compare-and-set check:
// a Create against an existing (owner, client id) pair, or an
// Update/SoftDelete whose updated_at is not strictly newer than the stored
// one.
var ErrConflict = errors.New("record conflict")

// ErrUnavailable marks connection-level failures. Callers treat it as fatal
// for the whole request rather than a per-record failure.
var ErrUnavailable = errors.New("store unavailable")

// Collections are the entity types the server synchronizes. Each one is an
// independent partition with its own watermark on the client side.
var Collections = []string{
	"health_metrics",
	"meals",
	"exercises",
	"medications",
	"meal_plans",
}

// Record is one persisted entity instance. ID is server-assigned and
// immutable; ClientID is copied from the change that created the record and
// never mutated. UpdatedAt carries the winning change's client timestamp,
// not the server arrival time. A non-nil DeletedAt marks a tombstone.
type Record struct {
	ID        string
	OwnerID   string
	ClientID  string
	Fields    json.RawMessage
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// Deleted reports whether the record is a tombstone.
func (r *Record) Deleted() bool {
	return r.DeletedAt != nil
}

// EntityStore is the per-collection persistence capability the sync engine
// works through. Update and SoftDelete apply only while the stored
// updated_at is strictly older than the incoming one and return ErrConflict
// otherwise, so two concurrent batches touching the same client id resolve
// to the same winner instead of racing to a lost update.
type EntityStore interface {
	// FindByClientID returns the record for (ownerID, clientID), including
	// tombstones, or ErrNotFound.
	FindByClientID(ctx context.Context, ownerID, clientID string) (*Record, error)

	// Create inserts a new record. ErrConflict if (ownerID, clientID)
	// already exists.
	Create(ctx context.Context, record *Record) error

	// Update replaces fields and updated_at and clears any tombstone,
	// provided record.UpdatedAt is strictly newer than the stored value.
	Update(ctx context.Context, record *Record) error

	// SoftDelete tombstones the record, provided updatedAt is strictly
	// newer than the stored value.
	SoftDelete(ctx context.Context, ownerID, clientID string, deletedAt, updatedAt time.Time) error

	// QueryMutatedSince returns every record for ownerID with
	// updated_at > since, tombstones included. Ordering is unspecified.
	QueryMutatedSince(ctx context.Context, ownerID string, since time.Time) ([]Record, error)
}

// Backend opens per-collection entity stores sharing one database.
type Backend interface {
	Collection(name string) EntityStore
}
