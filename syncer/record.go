// Package syncer reconciles batches of client-authored changes against
// server state with record-granularity last-write-wins resolution, and
// answers delta pulls against a watermark. It is entity-agnostic: all five
// collections run through the same engine, each bound to its own
// store.EntityStore.
package syncer

import (
	"encoding/json"
	"fmt"
	"time"
)

// Reserved wire keys; everything else in a change object is the entity
// payload.
const (
	keyClientID  = "client_id"
	keyUpdatedAt = "updated_at"
	keyDeletedAt = "deleted_at"
)

// ChangeRecord is one client mutation as received on the wire. Timestamps
// stay strings here; validation parses them so that one malformed record
// surfaces as a per-record error instead of failing the whole batch decode.
type ChangeRecord struct {
	ClientID  string
	UpdatedAt string
	DeletedAt string
	Fields    json.RawMessage
}

// UnmarshalJSON splits the reserved keys from the inline entity fields.
func (c *ChangeRecord) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, field := range []struct {
		key  string
		dest *string
	}{
		{keyClientID, &c.ClientID},
		{keyUpdatedAt, &c.UpdatedAt},
		{keyDeletedAt, &c.DeletedAt},
	} {
		value, ok := raw[field.key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(value, field.dest); err != nil {
			return fmt.Errorf("invalid %s: %w", field.key, err)
		}
		delete(raw, field.key)
	}
	fields, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	c.Fields = fields
	return nil
}

// change is a validated ChangeRecord with canonical timestamps.
type change struct {
	ClientID  string
	UpdatedAt time.Time
	DeletedAt *time.Time
	Fields    json.RawMessage
}

// Tombstone reports whether the change is a deletion.
func (c change) Tombstone() bool {
	return c.DeletedAt != nil
}

// validate checks the reserved keys and parses the timestamps. A non-nil
// RecordError means the record must be skipped and reported, never aborted
// on.
func validate(record ChangeRecord) (change, *RecordError) {
	if record.ClientID == "" {
		return change{}, &RecordError{Reason: "missing client_id"}
	}
	updatedAt, err := time.Parse(time.RFC3339, record.UpdatedAt)
	if err != nil {
		return change{}, &RecordError{
			ClientID: record.ClientID,
			Reason:   fmt.Sprintf("invalid updated_at %q", record.UpdatedAt),
		}
	}
	validated := change{
		ClientID:  record.ClientID,
		UpdatedAt: updatedAt.UTC(),
		Fields:    record.Fields,
	}
	if record.DeletedAt != "" {
		deletedAt, err := time.Parse(time.RFC3339, record.DeletedAt)
		if err != nil {
			return change{}, &RecordError{
				ClientID: record.ClientID,
				Reason:   fmt.Sprintf("invalid deleted_at %q", record.DeletedAt),
			}
		}
		utc := deletedAt.UTC()
		validated.DeletedAt = &utc
	}
	if len(validated.Fields) == 0 {
		validated.Fields = json.RawMessage(`{}`)
	}
	return validated, nil
}

// RecordError is one record's validation or storage failure inside an
// otherwise successful batch.
type RecordError struct {
	ClientID string `json:"client_id"`
	Reason   string `json:"reason"`
}

// SyncResult is the per-batch outcome. Errors lists the records that failed
// without aborting the batch.
type SyncResult struct {
	Created int
	Updated int
	Deleted int
	Skipped int
	Errors  []RecordError
}
