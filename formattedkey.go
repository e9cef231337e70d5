package layeredcache

import (
	"fmt"
	"reflect"
)

// formatKey builds the canonical cross-tier identity for a user key:
// "<prefix>:<type-fqn>:<serializer-tag>:<user-key>". It is the only key
// handed to any of the three tiers or to the distributed invalidation
// channel, so a codec or type change for T naturally misses instead of
// deserializing into the wrong shape.
func formatKey[T any](prefix, serializerTag, userKey string) string {
	return fmt.Sprintf("%s:%s:%s:%s", prefix, typeTag[T](), serializerTag, userKey)
}

// typeTag returns a stable, human-legible identifier for T. Go monomorphizes
// generics at compile time, so this never runs for an interface type that
// made it past rejectInterfaceType - only concrete, comparable-by-reflection
// shapes reach here.
func typeTag[T any]() string {
	var zero T
	t := reflect.TypeOf(zero)
	if t == nil {
		// T is itself an interface type with a nil zero value, e.g. `any`.
		// rejectInterfaceType should have already caught this; fall back to
		// the static type name so the key is still well-formed.
		return reflect.TypeOf((*T)(nil)).Elem().String()
	}
	if pkg := t.PkgPath(); pkg != "" {
		return pkg + "." + t.Name()
	}
	return t.String()
}

// rejectInterfaceType reports whether T is an interface type (including
// `any`). Go's generics are monomorphized at compile time, so there is no
// language-level way to constrain a type parameter to "not an interface";
// this reflect-based check is the idiomatic runtime substitute, performed
// once at the top of every public entry point.
func rejectInterfaceType[T any]() bool {
	return reflect.TypeOf((*T)(nil)).Elem().Kind() == reflect.Interface
}

// isByteSlice reports whether T is exactly []byte - the one type that
// bypasses the configured Serializer entirely, per the byte-array passthrough
// rule.
func isByteSlice[T any]() bool {
	var zero T
	_, ok := any(zero).([]byte)
	return ok
}
