// Package kvcache provides the pre-allocated per-layer attention cache the
// decode loop runs against. Buffers are sized once for the worst-case
// sequence length and never grow; between requests the cache is reset by
// rewinding its length marker, not by clearing memory.
package kvcache

import (
	"errors"
	"fmt"
	"sync"

	"github.com/samcharles93/aria/internal/metrics"
	"github.com/samcharles93/aria/internal/tensor"
)

var (
	// ErrCacheBusy is returned when a checkout is attempted on a handle that
	// is already leased to a running generation.
	ErrCacheBusy = errors.New("kvcache: cache is checked out")
	// ErrCapacity is returned when an advance would move the write position
	// past the allocated length.
	ErrCapacity = errors.New("kvcache: capacity exceeded")
	// ErrShapeMismatch is returned for configurations the cache cannot be
	// allocated with.
	ErrShapeMismatch = errors.New("kvcache: shape mismatch")
)

// Config fixes the shape of a cache. A cache allocated for one Config never
// serves a caller asking for a different Batch, MaxLen or DType tuple.
type Config struct {
	Layers  int
	Heads   int
	HeadDim int
	Batch   int
	MaxLen  int
	DType   tensor.DType
}

func (c Config) validate() error {
	if c.Layers <= 0 || c.Heads <= 0 || c.HeadDim <= 0 {
		return fmt.Errorf("%w: layers=%d heads=%d head_dim=%d", ErrShapeMismatch, c.Layers, c.Heads, c.HeadDim)
	}
	if c.Batch <= 0 {
		return fmt.Errorf("%w: batch=%d", ErrShapeMismatch, c.Batch)
	}
	if c.MaxLen <= 0 {
		return fmt.Errorf("%w: max_len=%d", ErrShapeMismatch, c.MaxLen)
	}
	return nil
}

// compatible reports whether a cache built for c can serve a request for o.
func (c Config) compatible(o Config) bool {
	return c == o
}

// Cache is the static key/value store for one batch shape. Layout per layer
// is a flat slice indexed [batch][head][pos][dim] row-major with MaxLen as
// the position stride, so a slot's element offset is Offset(b,h,pos)*HeadDim.
//
// Cache methods are not internally synchronised beyond the checkout lease;
// exactly one generation may hold the lease at a time.
type Cache struct {
	cfg Config
	pos int

	mu sync.Mutex

	k, v     [][]float32
	k16, v16 [][]uint16
}

// New allocates a zeroed cache for cfg.
func New(cfg Config) (*Cache, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	c := &Cache{cfg: cfg}
	per := cfg.Batch * cfg.Heads * cfg.MaxLen * cfg.HeadDim
	if cfg.DType == tensor.F16 {
		c.k16 = make([][]uint16, cfg.Layers)
		c.v16 = make([][]uint16, cfg.Layers)
		for l := range c.k16 {
			c.k16[l] = make([]uint16, per)
			c.v16[l] = make([]uint16, per)
		}
		return c, nil
	}
	c.k = make([][]float32, cfg.Layers)
	c.v = make([][]float32, cfg.Layers)
	for l := range c.k {
		c.k[l] = make([]float32, per)
		c.v[l] = make([]float32, per)
	}
	return c, nil
}

// Config returns the shape the cache was allocated for.
func (c *Cache) Config() Config { return c.cfg }

// Len returns the current filled length (the next write position).
func (c *Cache) Len() int { return c.pos }

// Cap returns the allocated maximum sequence length.
func (c *Cache) Cap() int { return c.cfg.MaxLen }

// Remaining returns how many positions are still free.
func (c *Cache) Remaining() int { return c.cfg.MaxLen - c.pos }

// Advance moves the filled length forward after a forward pass wrote n
// positions.
func (c *Cache) Advance(n int) error {
	if n < 0 || c.pos+n > c.cfg.MaxLen {
		return fmt.Errorf("%w: len %d + %d > %d", ErrCapacity, c.pos, n, c.cfg.MaxLen)
	}
	c.pos += n
	return nil
}

// Reset rewinds the cache to empty. This is a marker rewind, not a memory
// clear: stale slots beyond Len are never read because attention only spans
// [0, Len).
func (c *Cache) Reset() {
	c.pos = 0
	metrics.CacheResets.Inc()
}

// Checkout leases the cache to one generation. It fails fast rather than
// blocking so a busy process surfaces contention instead of queueing
// silently.
func (c *Cache) Checkout() error {
	if !c.mu.TryLock() {
		return ErrCacheBusy
	}
	return nil
}

// Release returns the lease. Callers must hold the lease.
func (c *Cache) Release() {
	c.mu.Unlock()
}

// Offset returns the slot index (in units of HeadDim elements) for a
// batch row, head and position.
func (c *Cache) Offset(b, h, pos int) int {
	return (b*c.cfg.Heads+h)*c.cfg.MaxLen + pos
}

// WriteKey stores one key slot. src must hold HeadDim values.
func (c *Cache) WriteKey(layer, b, h, pos int, src []float32) {
	c.write(c.k, c.k16, layer, b, h, pos, src)
}

// WriteValue stores one value slot. src must hold HeadDim values.
func (c *Cache) WriteValue(layer, b, h, pos int, src []float32) {
	c.write(c.v, c.v16, layer, b, h, pos, src)
}

// ReadKeyTo loads one key slot into dst, which must hold HeadDim values.
func (c *Cache) ReadKeyTo(dst []float32, layer, b, h, pos int) {
	c.read(dst, c.k, c.k16, layer, b, h, pos)
}

// ReadValueTo loads one value slot into dst.
func (c *Cache) ReadValueTo(dst []float32, layer, b, h, pos int) {
	c.read(dst, c.v, c.v16, layer, b, h, pos)
}

func (c *Cache) write(f32 [][]float32, f16 [][]uint16, layer, b, h, pos int, src []float32) {
	if len(src) != c.cfg.HeadDim {
		panic("kvcache: slot size mismatch")
	}
	off := c.Offset(b, h, pos) * c.cfg.HeadDim
	if c.cfg.DType == tensor.F16 {
		tensor.EncodeHalf(f16[layer][off:off+c.cfg.HeadDim], src)
		return
	}
	copy(f32[layer][off:off+c.cfg.HeadDim], src)
}

func (c *Cache) read(dst []float32, f32 [][]float32, f16 [][]uint16, layer, b, h, pos int) {
	if len(dst) != c.cfg.HeadDim {
		panic("kvcache: slot size mismatch")
	}
	off := c.Offset(b, h, pos) * c.cfg.HeadDim
	if c.cfg.DType == tensor.F16 {
		tensor.DecodeHalf(dst, f16[layer][off:off+c.cfg.HeadDim])
		return
	}
	copy(dst, f32[layer][off:off+c.cfg.HeadDim])
}

// KeyData returns the raw f32 backing for one layer, or nil in f16 mode.
// Adapters that bind cache memory directly use these instead of per-slot
// access.
func (c *Cache) KeyData(layer int) []float32 { return rawF32(c.k, layer) }

// ValueData returns the raw f32 backing for one layer, or nil in f16 mode.
func (c *Cache) ValueData(layer int) []float32 { return rawF32(c.v, layer) }

// KeyHalf returns the raw f16 backing for one layer, or nil in f32 mode.
func (c *Cache) KeyHalf(layer int) []uint16 { return rawF16(c.k16, layer) }

// ValueHalf returns the raw f16 backing for one layer, or nil in f32 mode.
func (c *Cache) ValueHalf(layer int) []uint16 { return rawF16(c.v16, layer) }

func rawF32(s [][]float32, layer int) []float32 {
	if s == nil {
		return nil
	}
	return s[layer]
}

func rawF16(s [][]uint16, layer int) []uint16 {
	if s == nil {
		return nil
	}
	return s[layer]
}
