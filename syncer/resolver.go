package syncer

import (
	"github.com/vitalsync/data-sync/store"
)

// Action is the resolver's verdict for one incoming change.
type Action int

const (
	ActionSkip Action = iota
	ActionCreate
	ActionUpdate
	ActionSoftDelete
)

func (a Action) String() string {
	switch a {
	case ActionCreate:
		return "create"
	case ActionUpdate:
		return "update"
	case ActionSoftDelete:
		return "soft_delete"
	default:
		return "skip"
	}
}

// Decide applies last-write-wins between the incoming change and the current
// server record (nil when no record exists for the client id). The server
// wins ties: only a strictly greater updated_at overwrites, which also makes
// re-applying the same change a no-op. Deleting a never-seen record is a
// skip, not an error. Pure; never touches storage.
func Decide(existing *store.Record, incoming change) Action {
	if existing == nil {
		if incoming.Tombstone() {
			return ActionSkip
		}
		return ActionCreate
	}
	if !incoming.UpdatedAt.After(existing.UpdatedAt) {
		return ActionSkip
	}
	if incoming.Tombstone() {
		return ActionSoftDelete
	}
	return ActionUpdate
}
