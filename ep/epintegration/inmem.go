package epintegration

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/gordian-engine/epoch/ep/epconsensus"
	"github.com/gordian-engine/epoch/ep/epstore"
	"github.com/gordian-engine/epoch/ep/epstore/epmemstore"
	"github.com/gordian-engine/epoch/ep/epstore/epsqlite"
	"github.com/gordian-engine/epoch/gcrypto"
)

type InmemStoreFactory struct{}

func (InmemStoreFactory) NewStore(_ context.Context, _ int, hs epconsensus.HashScheme) (epstore.Store, error) {
	return epmemstore.New(hs), nil
}

// SQLiteStoreFactory creates an on-disk sqlite store per validator
// in a temporary directory of Env.
type SQLiteStoreFactory struct {
	Env *Env
}

func (f SQLiteStoreFactory) NewStore(ctx context.Context, idx int, hs epconsensus.HashScheme) (epstore.Store, error) {
	reg := new(gcrypto.Registry)
	gcrypto.RegisterEd25519(reg)

	dbPath := filepath.Join(f.Env.TempDir(), fmt.Sprintf("val%d.sqlite", idx))
	s, err := epsqlite.NewOnDiskStore(ctx, dbPath, hs, reg)
	if err != nil {
		return nil, err
	}
	f.Env.Cleanup(func() {
		_ = s.Close()
	})
	return s, nil
}
