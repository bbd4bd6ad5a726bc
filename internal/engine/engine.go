// Package engine exposes the streaming transducer engine's C API over the
// engine's own linear memory. Everything the engine sees lives in that memory
// and is addressed by 32-bit offsets.
package engine

import (
	"context"
	"errors"
)

// Ptr is an address inside the engine's memory. Zero is null.
type Ptr uint32

// Handle is an opaque recognizer or stream address owned by the engine.
type Handle uint32

var (
	// ErrNullHandle is returned when the engine hands back a null object.
	ErrNullHandle = errors.New("engine returned null handle")
	// ErrOutOfBounds is returned for memory accesses outside the engine's memory.
	ErrOutOfBounds = errors.New("engine memory access out of bounds")
)

// Runtime is one loaded engine instance. It is not safe for concurrent use;
// a single goroutine owns it for its whole lifetime.
type Runtime interface {
	Malloc(ctx context.Context, size uint32) (Ptr, error)
	Free(ctx context.Context, p Ptr) error
	Write(p Ptr, data []byte) error
	Read(p Ptr, size uint32) ([]byte, error)
	ReadCString(p Ptr) (string, error)

	CreateRecognizer(ctx context.Context, config Ptr) (Handle, error)
	CreateStream(ctx context.Context, recognizer Handle) (Handle, error)
	AcceptWaveform(ctx context.Context, stream Handle, sampleRate int, samples Ptr, n int) error
	IsReady(ctx context.Context, recognizer, stream Handle) (bool, error)
	Decode(ctx context.Context, recognizer, stream Handle) error
	ResultJSON(ctx context.Context, recognizer, stream Handle) (Ptr, error)
	DestroyResultJSON(ctx context.Context, p Ptr) error
	ResetStream(ctx context.Context, recognizer, stream Handle) error
	DestroyStream(ctx context.Context, stream Handle) error
	DestroyRecognizer(ctx context.Context, recognizer Handle) error

	Close(ctx context.Context) error
}

// Loader brings up a runtime from its image and materializes the named
// assets into the runtime's private filesystem root.
type Loader interface {
	Load(ctx context.Context, image []byte, assets map[string][]byte) (Runtime, error)
}
