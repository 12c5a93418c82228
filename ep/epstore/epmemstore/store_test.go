package epmemstore_test

import (
	"testing"

	"github.com/gordian-engine/epoch/ep/epscheme"
	"github.com/gordian-engine/epoch/ep/epstore"
	"github.com/gordian-engine/epoch/ep/epstore/epmemstore"
	"github.com/gordian-engine/epoch/ep/epstore/epstoretest"
)

func TestMemStoreCompliance(t *testing.T) {
	t.Parallel()

	epstoretest.TestStoreCompliance(t, func(func(func())) (epstore.Store, error) {
		return epmemstore.New(epscheme.Blake2bHashScheme{}), nil
	})
}
