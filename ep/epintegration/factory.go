// Package epintegration runs several real engines against each other
// over an in-process network.
package epintegration

import (
	"context"
	"log/slog"

	"github.com/gordian-engine/epoch/ep/epconsensus"
	"github.com/gordian-engine/epoch/ep/epp2p/epp2ptest"
	"github.com/gordian-engine/epoch/ep/epstore"
)

// Env contains some of the primitives of the current test environment,
// to inform the creation of a [Factory].
type Env struct {
	// RootLogger is available to factories that need a logger.
	RootLogger *slog.Logger

	// Inline interface to avoid directly depending on testing package.
	tb interface {
		Cleanup(func())

		TempDir() string
	}
}

// TempDir returns the path to a new temporary directory,
// in case the factory needs a place to write data to disk.
func (e *Env) TempDir() string {
	return e.tb.TempDir()
}

// Cleanup calls fn when the test is complete,
// regardless of whether the test passed or failed.
func (e *Env) Cleanup(fn func()) {
	e.tb.Cleanup(fn)
}

type NewFactoryFunc func(e *Env) Factory

type Factory interface {
	// NewNetwork will be called only once per test.
	// The implementer may assume that the context will be canceled
	// at or before the test's completion.
	NewNetwork(context.Context, *slog.Logger) (epp2ptest.Network, error)

	// NewStore returns the store for the validator at idx.
	NewStore(ctx context.Context, idx int, hs epconsensus.HashScheme) (epstore.Store, error)
}
