package syncer

import (
	"context"
	"time"

	"github.com/vitalsync/data-sync/store"
)

// Puller answers "what changed since my last sync" for one collection.
type Puller struct {
	store store.EntityStore
	now   func() time.Time
}

func NewPuller(es store.EntityStore) *Puller {
	return &Puller{store: es, now: time.Now}
}

// Pull returns every record mutated strictly after since, tombstones
// included, plus the watermark the caller should persist for its next pull.
// The watermark is the server clock captured before the query runs, not the
// max updated_at seen: a write committing concurrently with the query lands
// after the watermark and is picked up next time instead of lost. Ordering
// of the returned records is unspecified.
func (p *Puller) Pull(ctx context.Context, ownerID string, since time.Time) ([]store.Record, time.Time, error) {
	watermark := p.now().UTC()
	records, err := p.store.QueryMutatedSince(ctx, ownerID, since)
	if err != nil {
		return nil, time.Time{}, err
	}
	return records, watermark, nil
}
