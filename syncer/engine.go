package syncer

import (
	"context"
	"errors"
	"log/slog"

	"github.com/vitalsync/data-sync/store"

	"github.com/google/uuid"
)

// Engine applies batches of client changes to one collection's store.
type Engine struct {
	collection string
	store      store.EntityStore
	logger     *slog.Logger
}

func NewEngine(collection string, es store.EntityStore, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{collection: collection, store: es, logger: logger}
}

// ApplyBatch reconciles the changes in submission order. Each record is
// committed independently: a malformed record or a per-record storage
// failure is reported in the result and the batch continues. Only an
// unreachable store or a dead context aborts the call, in which case no
// partial result is returned (already-committed records stay committed).
func (e *Engine) ApplyBatch(ctx context.Context, ownerID string, changes []ChangeRecord) (*SyncResult, error) {
	result := &SyncResult{}
	for _, record := range changes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		validated, recordErr := validate(record)
		if recordErr != nil {
			result.Errors = append(result.Errors, *recordErr)
			continue
		}
		if err := e.applyOne(ctx, ownerID, validated, result); err != nil {
			return nil, err
		}
	}
	e.logger.Debug("batch applied",
		"collection", e.collection,
		"changes", len(changes),
		"created", result.Created,
		"updated", result.Updated,
		"deleted", result.Deleted,
		"skipped", result.Skipped,
		"errors", len(result.Errors),
	)
	return result, nil
}

func (e *Engine) applyOne(ctx context.Context, ownerID string, incoming change, result *SyncResult) error {
	return e.apply(ctx, ownerID, incoming, result, true)
}

func (e *Engine) apply(ctx context.Context, ownerID string, incoming change, result *SyncResult, retry bool) error {
	existing, err := e.store.FindByClientID(ctx, ownerID, incoming.ClientID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return e.recordFailure(incoming.ClientID, err, result)
	}

	switch Decide(existing, incoming) {
	case ActionCreate:
		err = e.store.Create(ctx, &store.Record{
			ID:        uuid.New().String(),
			OwnerID:   ownerID,
			ClientID:  incoming.ClientID,
			Fields:    incoming.Fields,
			UpdatedAt: incoming.UpdatedAt,
		})
		switch {
		case err == nil:
			result.Created++
		case errors.Is(err, store.ErrConflict):
			// A concurrent batch created the record between the lookup and
			// the insert. The committed record may be older than the
			// incoming change, so re-resolve against it; the store's
			// compare-and-set settles whoever wins from here.
			if retry {
				return e.apply(ctx, ownerID, incoming, result, false)
			}
			result.Skipped++
		default:
			return e.recordFailure(incoming.ClientID, err, result)
		}

	case ActionUpdate:
		err = e.store.Update(ctx, &store.Record{
			OwnerID:   ownerID,
			ClientID:  incoming.ClientID,
			Fields:    incoming.Fields,
			UpdatedAt: incoming.UpdatedAt,
		})
		switch {
		case err == nil:
			result.Updated++
		case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrNotFound):
			// the store's compare-and-set re-applies the LWW rule against
			// whatever committed since the lookup
			result.Skipped++
		default:
			return e.recordFailure(incoming.ClientID, err, result)
		}

	case ActionSoftDelete:
		err = e.store.SoftDelete(ctx, ownerID, incoming.ClientID, *incoming.DeletedAt, incoming.UpdatedAt)
		switch {
		case err == nil:
			result.Deleted++
		case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrNotFound):
			result.Skipped++
		default:
			return e.recordFailure(incoming.ClientID, err, result)
		}

	case ActionSkip:
		result.Skipped++
	}
	return nil
}

// recordFailure classifies a storage error: connection-level failures abort
// the batch, anything scoped to the record is reported and swallowed.
func (e *Engine) recordFailure(clientID string, err error, result *SyncResult) error {
	if errors.Is(err, store.ErrUnavailable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	e.logger.Warn("record failed", "collection", e.collection, "client_id", clientID, "error", err)
	result.Errors = append(result.Errors, RecordError{ClientID: clientID, Reason: err.Error()})
	return nil
}
