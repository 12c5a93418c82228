package gcrypto

import (
	"bytes"
	"fmt"
	"reflect"
)

// Type names are encoded as a fixed width, zero-padded prefix.
const prefixSize = 8

// Registry maps public key types to the names used on the wire and in storage,
// so that a PubKey can be encoded and later restored to the same concrete type.
type Registry struct {
	byType map[reflect.Type]string

	byName map[string]NewPubKeyFunc
}

type NewPubKeyFunc func([]byte) (PubKey, error)

// Register associates name with inst's concrete type.
// Register panics if the name is too long or already registered,
// as either indicates a programming error during startup.
func (r *Registry) Register(name string, inst PubKey, newFn NewPubKeyFunc) {
	if name == "" || len(name) > prefixSize {
		panic(fmt.Errorf("BUG: public key type name %q must be 1-%d bytes", name, prefixSize))
	}

	if r.byName == nil {
		r.byName = map[string]NewPubKeyFunc{}
	}
	if _, ok := r.byName[name]; ok {
		panic(fmt.Errorf("BUG: public key type name %q registered twice", name))
	}
	r.byName[name] = newFn

	if r.byType == nil {
		r.byType = map[reflect.Type]string{}
	}
	r.byType[reflect.TypeOf(inst)] = name
}

// Marshal returns the type-prefixed encoding of pubKey.
// It panics if the key's type was never registered.
func (r *Registry) Marshal(pubKey PubKey) []byte {
	typ := reflect.TypeOf(pubKey)
	name, ok := r.byType[typ]
	if !ok {
		panic(fmt.Errorf(
			"BUG: attempted to Marshal a public key that was never registered (reflect type: %s, type name: %s)",
			typ, pubKey.TypeName(),
		))
	}

	b := make([]byte, prefixSize, prefixSize+len(pubKey.PubKeyBytes()))
	copy(b, name)
	return append(b, pubKey.PubKeyBytes()...)
}

// Unmarshal restores a PubKey from the output of [*Registry.Marshal].
//
// The returned PubKey may retain a reference to b,
// so b must not be modified afterwards.
func (r *Registry) Unmarshal(b []byte) (PubKey, error) {
	if len(b) <= prefixSize {
		return nil, fmt.Errorf("encoded public key too short (%d bytes)", len(b))
	}
	name := bytes.TrimRight(b[:prefixSize], "\x00")

	fn := r.byName[string(name)]
	if fn == nil {
		return nil, fmt.Errorf("no registered public key type for prefix %q", name)
	}

	return fn(b[prefixSize:])
}

// Decode returns a new PubKey from a type name and raw key bytes,
// as stored separately by a database.
//
// The returned PubKey may retain a reference to b.
func (r *Registry) Decode(typeName string, b []byte) (PubKey, error) {
	fn := r.byName[typeName]
	if fn == nil {
		return nil, fmt.Errorf("no registered public key type for name %q", typeName)
	}

	return fn(b)
}
