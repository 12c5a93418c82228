package glog

import (
	"encoding/hex"
	"log/slog"
)

// Hex wraps a byte slice to ensure it serializes as a hex-encoded string.
// Without this, it gets rendered as a Unicode string with embedded escape codes.
type Hex []byte

func (v Hex) LogValue() slog.Value {
	return slog.StringValue(hex.EncodeToString(v))
}

// ShortHex renders only the first four bytes of a value, for hashes in hot log paths.
type ShortHex []byte

func (v ShortHex) LogValue() slog.Value {
	if len(v) > 4 {
		return slog.StringValue(hex.EncodeToString(v[:4]) + "…")
	}
	return slog.StringValue(hex.EncodeToString(v))
}
