package syncer

import (
	"testing"
	"time"

	"github.com/vitalsync/data-sync/store"

	"github.com/stretchr/testify/require"
)

func mustTime(t *testing.T, value string) time.Time {
	parsed, err := time.Parse(time.RFC3339Nano, value)
	require.NoError(t, err, "bad test timestamp %q", value)
	return parsed
}

func TestDecide(t *testing.T) {
	t0 := mustTime(t, "2024-03-01T10:00:00Z")
	existing := &store.Record{
		ID:        "srv-1",
		OwnerID:   "owner",
		ClientID:  "c1",
		UpdatedAt: t0,
	}

	tests := []struct {
		name      string
		existing  *store.Record
		updatedAt time.Time
		tombstone bool
		want      Action
	}{
		{"new record", nil, t0, false, ActionCreate},
		{"delete of unknown record", nil, t0, true, ActionSkip},
		{"newer upsert wins", existing, t0.Add(time.Hour), false, ActionUpdate},
		{"newer tombstone wins", existing, t0.Add(time.Hour), true, ActionSoftDelete},
		{"older upsert loses", existing, t0.Add(-time.Hour), false, ActionSkip},
		{"older tombstone loses", existing, t0.Add(-time.Hour), true, ActionSkip},
		{"equal timestamp: server wins", existing, t0, false, ActionSkip},
		{"equal timestamp tombstone: server wins", existing, t0, true, ActionSkip},
		{"one nanosecond newer wins", existing, t0.Add(time.Nanosecond), false, ActionUpdate},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			incoming := change{ClientID: "c1", UpdatedAt: test.updatedAt}
			if test.tombstone {
				deletedAt := test.updatedAt
				incoming.DeletedAt = &deletedAt
			}
			require.Equal(t, test.want, Decide(test.existing, incoming))
		})
	}
}

func TestDecideIgnoresFieldValues(t *testing.T) {
	t0 := mustTime(t, "2024-03-01T10:00:00Z")
	existing := &store.Record{ClientID: "c1", UpdatedAt: t0, Fields: []byte(`{"name":"A"}`)}

	// resolution is record-granularity: payload contents never matter
	incoming := change{ClientID: "c1", UpdatedAt: t0.Add(time.Second), Fields: []byte(`{"name":"A"}`)}
	require.Equal(t, ActionUpdate, Decide(existing, incoming))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		record ChangeRecord
		reason string
	}{
		{"missing client_id", ChangeRecord{UpdatedAt: "2024-03-01T10:00:00Z"}, "missing client_id"},
		{"missing updated_at", ChangeRecord{ClientID: "c1"}, `invalid updated_at ""`},
		{"garbage updated_at", ChangeRecord{ClientID: "c1", UpdatedAt: "yesterday"}, `invalid updated_at "yesterday"`},
		{"garbage deleted_at", ChangeRecord{ClientID: "c1", UpdatedAt: "2024-03-01T10:00:00Z", DeletedAt: "never"}, `invalid deleted_at "never"`},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, recordErr := validate(test.record)
			require.NotNil(t, recordErr)
			require.Equal(t, test.reason, recordErr.Reason)
		})
	}

	validated, recordErr := validate(ChangeRecord{
		ClientID:  "c1",
		UpdatedAt: "2024-03-01T10:00:00.123456789Z",
		Fields:    []byte(`{"name":"A"}`),
	})
	require.Nil(t, recordErr)
	require.Equal(t, "c1", validated.ClientID)
	require.Equal(t, mustTime(t, "2024-03-01T10:00:00.123456789Z"), validated.UpdatedAt, "sub-second precision must survive parsing")
	require.False(t, validated.Tombstone())
}

func TestChangeRecordUnmarshalSplitsFields(t *testing.T) {
	var record ChangeRecord
	err := record.UnmarshalJSON([]byte(`{
		"client_id": "c1",
		"updated_at": "2024-03-01T10:00:00Z",
		"name": "oatmeal",
		"calories": 350
	}`))
	require.NoError(t, err)
	require.Equal(t, "c1", record.ClientID)
	require.Equal(t, "2024-03-01T10:00:00Z", record.UpdatedAt)
	require.Empty(t, record.DeletedAt)
	require.JSONEq(t, `{"name":"oatmeal","calories":350}`, string(record.Fields))
}
