// Package epctx attaches request-scoped metadata to a [context.Context].
//
// Metadata travels alongside every engine and adapter call
// (trace IDs, peer identifiers, and so on)
// but consensus decisions never depend on it.
// Cancellation and deadlines are carried by the context itself.
package epctx

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"maps"
	"slices"
)

type metadataKey struct{}

// Metadata is an immutable string-keyed set of values.
// The zero value is an empty Metadata.
type Metadata struct {
	m map[string]string
}

// Get returns the value for key, reporting whether it was set.
func (md Metadata) Get(key string) (string, bool) {
	v, ok := md.m[key]
	return v, ok
}

// Len reports the number of keys in md.
func (md Metadata) Len() int {
	return len(md.m)
}

// Keys returns the keys of md in sorted order.
func (md Metadata) Keys() []string {
	return slices.Sorted(maps.Keys(md.m))
}

// With returns a copy of md with key set to val.
func (md Metadata) With(key, val string) Metadata {
	m := make(map[string]string, len(md.m)+1)
	maps.Copy(m, md.m)
	m[key] = val
	return Metadata{m: m}
}

// WithMetadata returns a child of ctx carrying md,
// replacing any metadata already on ctx.
func WithMetadata(ctx context.Context, md Metadata) context.Context {
	return context.WithValue(ctx, metadataKey{}, md)
}

// FromContext returns the metadata attached to ctx.
// A context without metadata returns an empty Metadata.
func FromContext(ctx context.Context) Metadata {
	md, _ := ctx.Value(metadataKey{}).(Metadata)
	return md
}

// WithValue returns a child of ctx whose metadata includes key=val,
// in addition to any metadata already present.
func WithValue(ctx context.Context, key, val string) context.Context {
	return WithMetadata(ctx, FromContext(ctx).With(key, val))
}

// Value is shorthand for FromContext(ctx).Get(key).
func Value(ctx context.Context, key string) (string, bool) {
	return FromContext(ctx).Get(key)
}

// Well known metadata keys.
const (
	KeyTraceID = "trace_id"
	KeyPeer    = "peer"
)

// WithTraceID sets the trace ID metadata value.
func WithTraceID(ctx context.Context, id string) context.Context {
	return WithValue(ctx, KeyTraceID, id)
}

// TraceID returns the trace ID of ctx, or the empty string if none was set.
func TraceID(ctx context.Context) string {
	v, _ := Value(ctx, KeyTraceID)
	return v
}

// NewTraceID returns a random 16-byte hex trace ID.
func NewTraceID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// EnsureTraceID returns ctx unchanged if it already has a trace ID,
// otherwise a child context with a new random trace ID.
func EnsureTraceID(ctx context.Context) context.Context {
	if TraceID(ctx) != "" {
		return ctx
	}
	return WithTraceID(ctx, NewTraceID())
}

// LogAttrs returns every metadata entry as a slog attribute, in key order,
// for use with (*slog.Logger).With or LogAttrs.
func LogAttrs(ctx context.Context) []any {
	md := FromContext(ctx)
	if md.Len() == 0 {
		return nil
	}

	out := make([]any, 0, md.Len())
	for _, k := range md.Keys() {
		out = append(out, slog.String(k, md.m[k]))
	}
	return out
}
