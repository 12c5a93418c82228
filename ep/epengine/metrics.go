package epengine

import (
	"github.com/gordian-engine/epoch/ep/epengine/internal/epemetrics"
	"github.com/gordian-engine/epoch/ep/epengine/internal/epstate"
)

// Metrics are the metrics for the [Engine] kernel.
// The fields in this type should not be considered stable
// and may change without notice between releases.
type Metrics = epemetrics.Metrics

// State is a point-in-time copy of the engine's consensus state,
// as returned by [*Engine.State].
type State = epstate.Snapshot
