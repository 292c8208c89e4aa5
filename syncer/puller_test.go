package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/vitalsync/data-sync/store/mem"

	"github.com/stretchr/testify/require"
)

func TestPullDeltaCompleteness(t *testing.T) {
	es := mem.New().Collection("meals")
	engine := NewEngine("meals", es, nil)

	_, err := engine.ApplyBatch(context.Background(), testOwner, []ChangeRecord{
		upsert("c1", "2024-03-01T10:00:00Z", `{"name":"A"}`),
		upsert("c2", "2024-03-01T11:00:00Z", `{"name":"B"}`),
		upsert("c3", "2024-03-01T11:30:00Z", `{"name":"C"}`),
		tombstone("c3", "2024-03-01T12:00:00Z"),
	})
	require.NoError(t, err)

	puller := NewPuller(es)
	records, _, err := puller.Pull(context.Background(), testOwner, mustTime(t, "2024-03-01T10:30:00Z"))
	require.NoError(t, err)

	byClientID := map[string]bool{}
	for _, record := range records {
		byClientID[record.ClientID] = record.Deleted()
	}
	require.Equal(t, map[string]bool{"c2": false, "c3": true}, byClientID,
		"pull must include tombstones and exclude records at or before the watermark")
}

func TestPullStrictWatermarkBoundary(t *testing.T) {
	es := mem.New().Collection("meals")
	engine := NewEngine("meals", es, nil)
	puller := NewPuller(es)

	t0 := "2024-03-01T10:00:00Z"
	_, err := engine.ApplyBatch(context.Background(), testOwner, []ChangeRecord{
		upsert("c3", t0, `{"name":"A"}`),
	})
	require.NoError(t, err)

	// a record updated exactly at the watermark is not re-sent
	records, _, err := puller.Pull(context.Background(), testOwner, mustTime(t, t0))
	require.NoError(t, err)
	require.Empty(t, records)

	records, _, err = puller.Pull(context.Background(), testOwner, mustTime(t, "2024-03-01T09:59:59Z"))
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "c3", records[0].ClientID)
}

func TestPullWatermarkIsQueryStartTime(t *testing.T) {
	es := mem.New().Collection("meals")
	puller := NewPuller(es)

	now := mustTime(t, "2024-03-01T15:00:00Z")
	puller.now = func() time.Time { return now }

	_, watermark, err := puller.Pull(context.Background(), testOwner, time.Time{})
	require.NoError(t, err)
	require.True(t, watermark.Equal(now),
		"watermark comes from the server clock, not from max(updated_at)")
}
