package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/vitalsync/data-sync/store"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store is the SQLite backend. All collections share one records table with
// an entity_type discriminator; timestamps are stored as unix nanoseconds so
// range comparisons stay exact at sub-second precision.
type Store struct {
	db *sql.DB
}

func New(file string) (*Store, error) {
	db, err := sql.Open("sqlite3", file)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite3 database %w", err)
	}

	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver %w", err)
	}

	migrationDriver, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", migrationDriver, file, driver)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate migrations %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, fmt.Errorf("failed to run migrations %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Collection binds an EntityStore to one entity type.
func (s *Store) Collection(name string) store.EntityStore {
	return &collectionStore{db: s.db, entityType: name}
}

type collectionStore struct {
	db         *sql.DB
	entityType string
}

func (c *collectionStore) FindByClientID(ctx context.Context, ownerID, clientID string) (*store.Record, error) {
	row := c.db.QueryRowContext(ctx,
		"SELECT id, fields, updated_at, deleted_at FROM records WHERE entity_type = ? AND owner_id = ? AND client_id = ?",
		c.entityType, ownerID, clientID)
	record := store.Record{OwnerID: ownerID, ClientID: clientID}
	var updatedAt int64
	var deletedAt sql.NullInt64
	err := row.Scan(&record.ID, &record.Fields, &updatedAt, &deletedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}
	record.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if deletedAt.Valid {
		deleted := time.Unix(0, deletedAt.Int64).UTC()
		record.DeletedAt = &deleted
	}
	return &record, nil
}

func (c *collectionStore) Create(ctx context.Context, record *store.Record) error {
	_, err := c.db.ExecContext(ctx,
		"INSERT INTO records (id, entity_type, owner_id, client_id, fields, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
		record.ID, c.entityType, record.OwnerID, record.ClientID, string(record.Fields), record.UpdatedAt.UnixNano())
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return store.ErrConflict
		}
		return fmt.Errorf("failed to insert record: %w", err)
	}
	return nil
}

func (c *collectionStore) Update(ctx context.Context, record *store.Record) error {
	return c.compareAndSet(ctx, record.OwnerID, record.ClientID, record.UpdatedAt,
		"UPDATE records SET fields = ?, updated_at = ?, deleted_at = NULL WHERE entity_type = ? AND owner_id = ? AND client_id = ?",
		string(record.Fields), record.UpdatedAt.UnixNano(), c.entityType, record.OwnerID, record.ClientID)
}

func (c *collectionStore) SoftDelete(ctx context.Context, ownerID, clientID string, deletedAt, updatedAt time.Time) error {
	return c.compareAndSet(ctx, ownerID, clientID, updatedAt,
		"UPDATE records SET deleted_at = ?, updated_at = ? WHERE entity_type = ? AND owner_id = ? AND client_id = ?",
		deletedAt.UnixNano(), updatedAt.UnixNano(), c.entityType, ownerID, clientID)
}

// compareAndSet runs the write in a serializable transaction, applying it
// only while the stored updated_at is strictly older than incomingUpdatedAt.
func (c *collectionStore) compareAndSet(ctx context.Context, ownerID, clientID string, incomingUpdatedAt time.Time, query string, args ...any) error {
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %v", store.ErrUnavailable, err)
	}
	defer tx.Rollback()

	var storedUpdatedAt int64
	err = tx.QueryRowContext(ctx,
		"SELECT updated_at FROM records WHERE entity_type = ? AND owner_id = ? AND client_id = ?",
		c.entityType, ownerID, clientID).Scan(&storedUpdatedAt)
	if err == sql.ErrNoRows {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get record's latest timestamp: %w", err)
	}
	if storedUpdatedAt >= incomingUpdatedAt.UnixNano() {
		return store.ErrConflict
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (c *collectionStore) QueryMutatedSince(ctx context.Context, ownerID string, since time.Time) ([]store.Record, error) {
	rows, err := c.db.QueryContext(ctx,
		"SELECT id, client_id, fields, updated_at, deleted_at FROM records WHERE entity_type = ? AND owner_id = ? AND updated_at > ?",
		c.entityType, ownerID, since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	records := make([]store.Record, 0)
	for rows.Next() {
		record := store.Record{OwnerID: ownerID}
		var updatedAt int64
		var deletedAt sql.NullInt64
		if err := rows.Scan(&record.ID, &record.ClientID, &record.Fields, &updatedAt, &deletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		record.UpdatedAt = time.Unix(0, updatedAt).UTC()
		if deletedAt.Valid {
			deleted := time.Unix(0, deletedAt.Int64).UTC()
			record.DeletedAt = &deleted
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return records, nil
}
