package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/vitalsync/data-sync/store"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store is the postgres backend. Schema mirrors the sqlite one, with native
// TIMESTAMPTZ columns instead of unix nanoseconds.
type Store struct {
	db *pgxpool.Pool
}

func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database %w", err)
	}
	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver %w", err)
	}

	migrationDriver, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source %w", err)
	}

	m, err := migrate.NewWithInstance(
		"iofs", migrationDriver,
		"data-sync", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate migrations %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, fmt.Errorf("failed to run migrations %w", err)
	}

	pgxPool, err := pgxpool.New(context.Background(), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New(%v): %w", databaseURL, err)
	}
	return &Store{db: pgxPool}, nil
}

func (s *Store) Close() {
	s.db.Close()
}

// Collection binds an EntityStore to one entity type.
func (s *Store) Collection(name string) store.EntityStore {
	return &collectionStore{db: s.db, entityType: name}
}

type collectionStore struct {
	db         *pgxpool.Pool
	entityType string
}

func (c *collectionStore) FindByClientID(ctx context.Context, ownerID, clientID string) (*store.Record, error) {
	record := store.Record{OwnerID: ownerID, ClientID: clientID}
	err := c.db.QueryRow(ctx,
		"SELECT id, fields, updated_at, deleted_at FROM records WHERE entity_type = $1 AND owner_id = $2 AND client_id = $3",
		c.entityType, ownerID, clientID).Scan(&record.ID, &record.Fields, &record.UpdatedAt, &record.DeletedAt)
	if err == pgx.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}
	record.UpdatedAt = record.UpdatedAt.UTC()
	return &record, nil
}

func (c *collectionStore) Create(ctx context.Context, record *store.Record) error {
	_, err := c.db.Exec(ctx,
		"INSERT INTO records (id, entity_type, owner_id, client_id, fields, updated_at) VALUES ($1, $2, $3, $4, $5, $6)",
		record.ID, c.entityType, record.OwnerID, record.ClientID, record.Fields, record.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return store.ErrConflict
		}
		return fmt.Errorf("failed to insert record: %w", err)
	}
	return nil
}

func (c *collectionStore) Update(ctx context.Context, record *store.Record) error {
	return c.compareAndSet(ctx, record.OwnerID, record.ClientID, record.UpdatedAt,
		"UPDATE records SET fields = $1, updated_at = $2, deleted_at = NULL WHERE entity_type = $3 AND owner_id = $4 AND client_id = $5",
		record.Fields, record.UpdatedAt, c.entityType, record.OwnerID, record.ClientID)
}

func (c *collectionStore) SoftDelete(ctx context.Context, ownerID, clientID string, deletedAt, updatedAt time.Time) error {
	return c.compareAndSet(ctx, ownerID, clientID, updatedAt,
		"UPDATE records SET deleted_at = $1, updated_at = $2 WHERE entity_type = $3 AND owner_id = $4 AND client_id = $5",
		deletedAt, updatedAt, c.entityType, ownerID, clientID)
}

// compareAndSet runs the write in a serializable transaction, applying it
// only while the stored updated_at is strictly older than incomingUpdatedAt.
func (c *collectionStore) compareAndSet(ctx context.Context, ownerID, clientID string, incomingUpdatedAt time.Time, query string, args ...any) error {
	tx, err := c.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel: pgx.Serializable,
	})
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %v", store.ErrUnavailable, err)
	}
	defer tx.Rollback(context.Background())

	var storedUpdatedAt time.Time
	err = tx.QueryRow(ctx,
		"SELECT updated_at FROM records WHERE entity_type = $1 AND owner_id = $2 AND client_id = $3 FOR UPDATE",
		c.entityType, ownerID, clientID).Scan(&storedUpdatedAt)
	if err == pgx.ErrNoRows {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get record's latest timestamp: %w", err)
	}
	if !storedUpdatedAt.Before(incomingUpdatedAt) {
		return store.ErrConflict
	}

	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (c *collectionStore) QueryMutatedSince(ctx context.Context, ownerID string, since time.Time) ([]store.Record, error) {
	rows, err := c.db.Query(ctx,
		"SELECT id, client_id, fields, updated_at, deleted_at FROM records WHERE entity_type = $1 AND owner_id = $2 AND updated_at > $3",
		c.entityType, ownerID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	records := make([]store.Record, 0)
	for rows.Next() {
		record := store.Record{OwnerID: ownerID}
		if err := rows.Scan(&record.ID, &record.ClientID, &record.Fields, &record.UpdatedAt, &record.DeletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		record.UpdatedAt = record.UpdatedAt.UTC()
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return records, nil
}
