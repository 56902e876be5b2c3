package memory

import (
	"testing"

	"github.com/porthorian/planauth/pkg/storage"
	"github.com/porthorian/planauth/pkg/storage/testsuite"
)

func TestAdapterConformance(t *testing.T) {
	testsuite.Run(t, func(t *testing.T) storage.KeyValueStore {
		return NewAdapter()
	})
}
