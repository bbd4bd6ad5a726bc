package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrNotAllocated is returned when freeing memory the arena does not own.
var ErrNotAllocated = errors.New("pointer not owned by arena")

// Arena tracks every allocation made in a runtime's memory so nothing
// outlives the owner that requested it.
type Arena struct {
	rt    Runtime
	live  map[Ptr]uint32
	order []Ptr
}

func NewArena(rt Runtime) *Arena {
	return &Arena{rt: rt, live: make(map[Ptr]uint32)}
}

// Alloc reserves size bytes.
func (a *Arena) Alloc(ctx context.Context, size uint32) (Ptr, error) {
	p, err := a.rt.Malloc(ctx, size)
	if err != nil {
		return 0, err
	}
	if p == 0 {
		return 0, fmt.Errorf("malloc %d bytes: %w", size, ErrNullHandle)
	}
	a.live[p] = size
	a.order = append(a.order, p)
	return p, nil
}

// AllocBytes reserves len(data) bytes and copies data in.
func (a *Arena) AllocBytes(ctx context.Context, data []byte) (Ptr, error) {
	p, err := a.Alloc(ctx, uint32(len(data)))
	if err != nil {
		return 0, err
	}
	if err := a.rt.Write(p, data); err != nil {
		_ = a.Free(ctx, p)
		return 0, err
	}
	return p, nil
}

// AllocFloat32 copies samples into engine memory as little-endian float32.
func (a *Arena) AllocFloat32(ctx context.Context, samples []float32) (Ptr, error) {
	buf := make([]byte, 4*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(s))
	}
	return a.AllocBytes(ctx, buf)
}

// Free releases p. Freeing a pointer twice fails with ErrNotAllocated.
func (a *Arena) Free(ctx context.Context, p Ptr) error {
	if _, ok := a.live[p]; !ok {
		return fmt.Errorf("free %#x: %w", uint32(p), ErrNotAllocated)
	}
	delete(a.live, p)
	for i, q := range a.order {
		if q == p {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
	return a.rt.Free(ctx, p)
}

// Outstanding reports how many allocations are still live.
func (a *Arena) Outstanding() int {
	return len(a.live)
}

// Release frees every outstanding allocation, newest first.
func (a *Arena) Release(ctx context.Context) error {
	var errs []error
	for len(a.order) > 0 {
		p := a.order[len(a.order)-1]
		if err := a.Free(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ConfigBlock is a recognizer configuration marshalled into engine memory.
// It owns the shared transducer path buffer, the tokens path buffer and the
// struct that points at both.
type ConfigBlock struct {
	arena   *Arena
	ptr     Ptr
	strings Ptr
	tokens  Ptr
}

// MarshalRecognizerConfig writes cfg into engine memory in the engine's
// flat layout.
func MarshalRecognizerConfig(ctx context.Context, a *Arena, cfg RecognizerConfig) (*ConfigBlock, error) {
	shared, offsets := transducerStrings(cfg.Transducer)
	strs, err := a.AllocBytes(ctx, shared)
	if err != nil {
		return nil, fmt.Errorf("transducer paths: %w", err)
	}
	tokens, err := a.AllocBytes(ctx, cString(cfg.Tokens))
	if err != nil {
		_ = a.Free(ctx, strs)
		return nil, fmt.Errorf("tokens path: %w", err)
	}

	view := ConfigView{
		Encoder:    strs + Ptr(offsets[0]),
		Decoder:    strs + Ptr(offsets[1]),
		Joiner:     strs + Ptr(offsets[2]),
		Tokens:     tokens,
		NumThreads: cfg.NumThreads,
	}
	if cfg.Debug {
		view.Debug = 1
	}
	ptr, err := a.AllocBytes(ctx, EncodeRecognizerConfig(view))
	if err != nil {
		_ = a.Free(ctx, tokens)
		_ = a.Free(ctx, strs)
		return nil, fmt.Errorf("recognizer config: %w", err)
	}
	return &ConfigBlock{arena: a, ptr: ptr, strings: strs, tokens: tokens}, nil
}

// Ptr is the address handed to the engine.
func (c *ConfigBlock) Ptr() Ptr {
	return c.ptr
}

// View decodes the configuration back out of engine memory.
func (c *ConfigBlock) View() (ConfigView, error) {
	raw, err := c.arena.rt.Read(c.ptr, RecognizerConfigSize)
	if err != nil {
		return ConfigView{}, err
	}
	return DecodeRecognizerConfig(raw)
}

// Release frees the string buffers before the struct that references them.
// It is a no-op once released.
func (c *ConfigBlock) Release(ctx context.Context) error {
	if c == nil || c.ptr == 0 {
		return nil
	}
	err := errors.Join(
		c.arena.Free(ctx, c.strings),
		c.arena.Free(ctx, c.tokens),
		c.arena.Free(ctx, c.ptr),
	)
	c.ptr, c.strings, c.tokens = 0, 0, 0
	return err
}

// CStringReader reads NUL-terminated strings out of engine memory. Every
// Runtime is one.
type CStringReader interface {
	ReadCString(p Ptr) (string, error)
}

// ReadConfig resolves a config view's paths through rt.
func ReadConfig(rt CStringReader, v ConfigView) (RecognizerConfig, error) {
	var cfg RecognizerConfig
	fields := []struct {
		ptr Ptr
		dst *string
	}{
		{v.Encoder, &cfg.Transducer.Encoder},
		{v.Decoder, &cfg.Transducer.Decoder},
		{v.Joiner, &cfg.Transducer.Joiner},
		{v.Tokens, &cfg.Tokens},
	}
	for _, f := range fields {
		s, err := rt.ReadCString(f.ptr)
		if err != nil {
			return RecognizerConfig{}, err
		}
		*f.dst = s
	}
	cfg.NumThreads = v.NumThreads
	cfg.Debug = v.Debug != 0
	return cfg, nil
}
