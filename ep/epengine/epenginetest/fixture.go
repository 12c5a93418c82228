// Package epenginetest contains fixtures for tests that run a real [epengine.Engine]
// against a recording adapter and a manually driven round timer.
package epenginetest

import (
	"context"
	"log/slog"
	"testing"

	"github.com/gordian-engine/epoch/ep/epadapter/epadaptertest"
	"github.com/gordian-engine/epoch/ep/epcodec/epjson"
	"github.com/gordian-engine/epoch/ep/epconsensus/epconsensustest"
	"github.com/gordian-engine/epoch/ep/epengine"
	"github.com/gordian-engine/epoch/gcrypto"
	"github.com/gordian-engine/epoch/gwatchdog"
	"github.com/gordian-engine/epoch/internal/gtest"
)

type Fixture struct {
	Log *slog.Logger

	Fx *epconsensustest.Fixture

	Adapter *epadaptertest.Adapter

	Codec epjson.MarshalCodec

	RoundTimer *MockRoundTimer

	Watchdog    *gwatchdog.Watchdog
	WatchdogCtx context.Context
}

func NewFixture(ctx context.Context, t *testing.T, nVals int) *Fixture {
	log := gtest.NewLogger(t)

	wd, wCtx := gwatchdog.NewNopWatchdog(ctx, log.With("sys", "watchdog"))

	// Ensure the watchdog doesn't log after test completion.
	// There ought to be a defer cancel before the call to NewFixture anyway.
	t.Cleanup(wd.Wait)

	reg := new(gcrypto.Registry)
	gcrypto.RegisterEd25519(reg)

	return &Fixture{
		Log: log,

		Fx: epconsensustest.NewFixture(nVals),

		Adapter: epadaptertest.New(),

		Codec: epjson.MarshalCodec{CryptoRegistry: reg},

		RoundTimer: new(MockRoundTimer),

		Watchdog:    wd,
		WatchdogCtx: wCtx,
	}
}

func (f *Fixture) MustNewEngine(opts ...epengine.Opt) *epengine.Engine {
	e, err := epengine.New(f.WatchdogCtx, f.Log, opts...)
	if err != nil {
		panic(err)
	}

	return e
}

// OptionMap is a map of string names to option values.
// This allows the caller to remove or override specific options in test,
// which is not a use case one would see in a production build.
type OptionMap map[string]epengine.Opt

func (m OptionMap) ToSlice() []epengine.Opt {
	opts := make([]epengine.Opt, 0, len(m))
	for _, v := range m {
		opts = append(opts, v)
	}

	return opts
}

// BaseOptionMap returns the options for an observer engine starting at genesis.
func (f *Fixture) BaseOptionMap() OptionMap {
	return OptionMap{
		"WithValidators": epengine.WithValidators(f.Fx.ValSet),

		"WithAdapter": epengine.WithAdapter(f.Adapter),
		"WithCodec":   epengine.WithCodec(f.Codec),

		"WithHashScheme":      epengine.WithHashScheme(f.Fx.HashScheme),
		"WithSignatureScheme": epengine.WithSignatureScheme(f.Fx.SignatureScheme),

		"WithInternalRoundTimer": epengine.WithInternalRoundTimer(f.RoundTimer),

		"WithWatchdog": epengine.WithWatchdog(f.Watchdog),
	}
}

// SigningOptionMap is like BaseOptionMap,
// with the engine signing as the validator at signerIdx.
func (f *Fixture) SigningOptionMap(signerIdx int) OptionMap {
	m := f.BaseOptionMap()

	m["WithSigner"] = epengine.WithSigner(f.Fx.Signers[signerIdx])

	return m
}
