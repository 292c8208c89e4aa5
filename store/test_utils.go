package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// StoreSuite exercises the EntityStore contract. Each backend's tests run
// the same suite against their own store.
type StoreSuite struct{}

func ts(t *testing.T, value string) time.Time {
	parsed, err := time.Parse(time.RFC3339Nano, value)
	require.NoError(t, err, "bad test timestamp %q", value)
	return parsed
}

func (s *StoreSuite) TestCreateAndFind(t *testing.T, es EntityStore) {
	ownerID := uuid.New().String()

	_, err := es.FindByClientID(context.Background(), ownerID, "c1")
	require.ErrorIs(t, err, ErrNotFound)

	created := &Record{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		ClientID:  "c1",
		Fields:    []byte(`{"name":"breakfast","calories":420}`),
		UpdatedAt: ts(t, "2024-03-01T10:00:00.25Z"),
	}
	require.NoError(t, es.Create(context.Background(), created), "failed to create c1")

	found, err := es.FindByClientID(context.Background(), ownerID, "c1")
	require.NoError(t, err, "failed to find c1")
	require.Equal(t, created.ID, found.ID)
	require.Equal(t, ownerID, found.OwnerID)
	require.Equal(t, "c1", found.ClientID)
	require.JSONEq(t, string(created.Fields), string(found.Fields))
	require.True(t, found.UpdatedAt.Equal(created.UpdatedAt), "sub-second precision must survive storage")
	require.Nil(t, found.DeletedAt)

	// same client id under another owner is an independent record
	otherOwner := uuid.New().String()
	other := &Record{
		ID:        uuid.New().String(),
		OwnerID:   otherOwner,
		ClientID:  "c1",
		Fields:    []byte(`{"name":"lunch"}`),
		UpdatedAt: ts(t, "2024-03-01T11:00:00Z"),
	}
	require.NoError(t, es.Create(context.Background(), other), "failed to create c1 for other owner")
}

func (s *StoreSuite) TestCreateConflict(t *testing.T, es EntityStore) {
	ownerID := uuid.New().String()

	record := &Record{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		ClientID:  "c1",
		Fields:    []byte(`{}`),
		UpdatedAt: ts(t, "2024-03-01T10:00:00Z"),
	}
	require.NoError(t, es.Create(context.Background(), record))

	dup := &Record{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		ClientID:  "c1",
		Fields:    []byte(`{}`),
		UpdatedAt: ts(t, "2024-03-01T12:00:00Z"),
	}
	err := es.Create(context.Background(), dup)
	require.ErrorIs(t, err, ErrConflict)
}

func (s *StoreSuite) TestUpdateCompareAndSet(t *testing.T, es EntityStore) {
	ownerID := uuid.New().String()

	record := &Record{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		ClientID:  "c1",
		Fields:    []byte(`{"name":"A"}`),
		UpdatedAt: ts(t, "2024-03-01T10:00:00Z"),
	}
	require.NoError(t, es.Create(context.Background(), record))

	// strictly newer wins
	newer := &Record{
		OwnerID:   ownerID,
		ClientID:  "c1",
		Fields:    []byte(`{"name":"B"}`),
		UpdatedAt: ts(t, "2024-03-01T11:00:00Z"),
	}
	require.NoError(t, es.Update(context.Background(), newer), "failed to update c1")

	// equal timestamp loses the compare-and-set
	equal := &Record{
		OwnerID:   ownerID,
		ClientID:  "c1",
		Fields:    []byte(`{"name":"C"}`),
		UpdatedAt: ts(t, "2024-03-01T11:00:00Z"),
	}
	require.ErrorIs(t, es.Update(context.Background(), equal), ErrConflict)

	// older loses too
	older := &Record{
		OwnerID:   ownerID,
		ClientID:  "c1",
		Fields:    []byte(`{"name":"D"}`),
		UpdatedAt: ts(t, "2024-03-01T09:00:00Z"),
	}
	require.ErrorIs(t, es.Update(context.Background(), older), ErrConflict)

	found, err := es.FindByClientID(context.Background(), ownerID, "c1")
	require.NoError(t, err)
	require.JSONEq(t, `{"name":"B"}`, string(found.Fields))
	require.True(t, found.UpdatedAt.Equal(newer.UpdatedAt))
	require.Equal(t, record.ID, found.ID, "server id is immutable across updates")

	missing := &Record{
		OwnerID:   ownerID,
		ClientID:  "nope",
		Fields:    []byte(`{}`),
		UpdatedAt: ts(t, "2024-03-01T11:00:00Z"),
	}
	require.ErrorIs(t, es.Update(context.Background(), missing), ErrNotFound)
}

func (s *StoreSuite) TestSoftDeleteAndRevive(t *testing.T, es EntityStore) {
	ownerID := uuid.New().String()

	record := &Record{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		ClientID:  "c1",
		Fields:    []byte(`{"name":"A"}`),
		UpdatedAt: ts(t, "2024-03-01T10:00:00Z"),
	}
	require.NoError(t, es.Create(context.Background(), record))

	deletedAt := ts(t, "2024-03-01T11:00:00Z")
	require.NoError(t, es.SoftDelete(context.Background(), ownerID, "c1", deletedAt, deletedAt))

	// tombstone stays findable for idempotency matching
	found, err := es.FindByClientID(context.Background(), ownerID, "c1")
	require.NoError(t, err, "tombstone must stay matchable by client id")
	require.True(t, found.Deleted())
	require.True(t, found.UpdatedAt.Equal(deletedAt))

	// older-or-equal delete loses
	require.ErrorIs(t, es.SoftDelete(context.Background(), ownerID, "c1", deletedAt, deletedAt), ErrConflict)

	// deleting an unknown record is not a store-level concern
	require.ErrorIs(t, es.SoftDelete(context.Background(), ownerID, "ghost", deletedAt, deletedAt), ErrNotFound)

	// a strictly newer update revives the record
	revived := &Record{
		OwnerID:   ownerID,
		ClientID:  "c1",
		Fields:    []byte(`{"name":"B"}`),
		UpdatedAt: ts(t, "2024-03-01T12:00:00Z"),
	}
	require.NoError(t, es.Update(context.Background(), revived))
	found, err = es.FindByClientID(context.Background(), ownerID, "c1")
	require.NoError(t, err)
	require.False(t, found.Deleted(), "winning update must clear the tombstone")
	require.JSONEq(t, `{"name":"B"}`, string(found.Fields))
}

func (s *StoreSuite) TestQueryMutatedSince(t *testing.T, es EntityStore) {
	ownerID := uuid.New().String()

	for _, seed := range []struct {
		clientID  string
		updatedAt string
	}{
		{"c1", "2024-03-01T10:00:00Z"},
		{"c2", "2024-03-01T11:00:00Z"},
		{"c3", "2024-03-01T12:00:00Z"},
	} {
		record := &Record{
			ID:        uuid.New().String(),
			OwnerID:   ownerID,
			ClientID:  seed.clientID,
			Fields:    []byte(`{}`),
			UpdatedAt: ts(t, seed.updatedAt),
		}
		require.NoError(t, es.Create(context.Background(), record), "failed to create %s", seed.clientID)
	}
	deletedAt := ts(t, "2024-03-01T13:00:00Z")
	require.NoError(t, es.SoftDelete(context.Background(), ownerID, "c2", deletedAt, deletedAt))

	clientIDs := func(records []Record) []string {
		ids := make([]string, 0, len(records))
		for _, r := range records {
			ids = append(ids, r.ClientID)
		}
		return ids
	}

	// strictly-greater boundary: c1's own timestamp excludes c1
	records, err := es.QueryMutatedSince(context.Background(), ownerID, ts(t, "2024-03-01T10:00:00Z"))
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"c2", "c3"}, clientIDs(records))

	// tombstones are included
	records, err = es.QueryMutatedSince(context.Background(), ownerID, ts(t, "2024-03-01T12:30:00Z"))
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"c2"}, clientIDs(records))
	require.True(t, records[0].Deleted())

	// zero watermark returns everything
	records, err = es.QueryMutatedSince(context.Background(), ownerID, time.Time{})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"c1", "c2", "c3"}, clientIDs(records))

	// other owners never leak in
	records, err = es.QueryMutatedSince(context.Background(), uuid.New().String(), time.Time{})
	require.NoError(t, err)
	require.Empty(t, records)
}

// RunAll runs every suite test against a fresh store from open.
func (s *StoreSuite) RunAll(t *testing.T, open func(t *testing.T) EntityStore) {
	t.Run("CreateAndFind", func(t *testing.T) { s.TestCreateAndFind(t, open(t)) })
	t.Run("CreateConflict", func(t *testing.T) { s.TestCreateConflict(t, open(t)) })
	t.Run("UpdateCompareAndSet", func(t *testing.T) { s.TestUpdateCompareAndSet(t, open(t)) })
	t.Run("SoftDeleteAndRevive", func(t *testing.T) { s.TestSoftDeleteAndRevive(t, open(t)) })
	t.Run("QueryMutatedSince", func(t *testing.T) { s.TestQueryMutatedSince(t, open(t)) })
}
