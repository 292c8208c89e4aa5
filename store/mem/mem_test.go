package mem

import (
	"testing"

	"github.com/vitalsync/data-sync/store"
)

func TestMemStore(t *testing.T) {
	suite := &store.StoreSuite{}
	suite.RunAll(t, func(t *testing.T) store.EntityStore {
		return New().Collection("meals")
	})
}
