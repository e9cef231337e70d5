package layeredcache

import "errors"

// ErrInterfaceType is returned by Get/Set/Delete/GetOrCreate when the type
// parameter T is an interface type (including `any`). Every cached value's
// identity depends on its concrete type name (see formatKey); an interface
// type has no single stable name to hang that identity on.
var ErrInterfaceType = errors.New("layeredcache: type parameter must be a concrete type, not an interface")

// ErrClosed identifies use of a Cache after Close. The operations in this
// package do not check for a closed Cache and do not return it.
var ErrClosed = errors.New("layeredcache: cache is closed")

// ErrCanceled identifies a canceled operation. The operations in this
// package do not return it: a canceled single-flight wait or distributed
// round trip returns ctx.Err() (or the store's error) unwrapped.
var ErrCanceled = errors.New("layeredcache: operation canceled")
