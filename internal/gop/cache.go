package gop

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zijiren233/synctv-relay/pkg/models"
)

// Per-GOP caps. Frames past either cap are dropped until the next key
// frame starts a fresh GOP.
const (
	MaxFramesPerGOP = 1500
	MaxBytesPerGOP  = 100 << 20 // 100 MiB
)

const dropWarnInterval = 5 * time.Second

// GOP is an ordered run of frames starting at a key frame. While pending it
// accumulates frames; Freeze seals it so the frame slice can be shared with
// any number of readers without copying payloads.
type GOP struct {
	frames []models.Frame
	bytes  int
	frozen bool
}

// Freeze seals the GOP. Further appends are rejected by the cache; the
// returned slice is shared, never copied.
func (g *GOP) Freeze() []models.Frame {
	g.frozen = true
	return g.frames
}

// Len returns the number of frames in the GOP.
func (g *GOP) Len() int { return len(g.frames) }

// Bytes returns the estimated memory cost of the GOP.
func (g *GOP) Bytes() int { return g.bytes }

// Cache is a bounded FIFO of GOPs for one stream. All methods must be
// called from the hub task; frozen slices handed out by Snapshot are safe
// to read from any goroutine.
type Cache struct {
	maxGOPs  int
	gops     []*GOP
	dropped  uint64
	lastWarn time.Time
}

// NewCache creates a cache holding up to maxGOPs GOPs. A size of 0
// disables caching entirely.
func NewCache(maxGOPs int) *Cache {
	return &Cache{maxGOPs: maxGOPs}
}

// Append adds a media frame to the cache. A key frame freezes the active
// GOP, evicts the oldest when the ring is full and opens a new one. Frames
// that would push the active GOP past its caps are dropped, never replacing
// older frames.
func (c *Cache) Append(f models.Frame) {
	if c.maxGOPs == 0 || !f.IsMedia() {
		return
	}
	if f.Kind == models.FrameVideo && f.IsKeyFrame {
		c.rotate()
	}
	if len(c.gops) == 0 {
		// No GOP is open until the first key frame arrives.
		return
	}
	active := c.gops[len(c.gops)-1]
	if active.frozen {
		return
	}
	if len(active.frames) >= MaxFramesPerGOP || active.bytes+f.Size() > MaxBytesPerGOP {
		c.dropped++
		if time.Since(c.lastWarn) > dropWarnInterval {
			c.lastWarn = time.Now()
			log.Warn().
				Int("frames", len(active.frames)).
				Int("bytes", active.bytes).
				Uint64("dropped", c.dropped).
				Msg("gop cache cap reached, dropping frames until next key frame")
		}
		return
	}
	active.frames = append(active.frames, f)
	active.bytes += f.Size()
}

// rotate freezes the active GOP and pushes a fresh one, evicting from the
// front when the ring is full.
func (c *Cache) rotate() {
	if len(c.gops) > 0 {
		c.gops[len(c.gops)-1].Freeze()
	}
	c.gops = append(c.gops, &GOP{})
	if len(c.gops) > c.maxGOPs {
		c.gops = c.gops[1:]
	}
}

// Snapshot freezes the active GOP and returns every cached frame in
// insertion order. The returned frames share payloads with the cache; no
// media bytes are copied.
func (c *Cache) Snapshot() []models.Frame {
	if len(c.gops) == 0 {
		return nil
	}
	total := 0
	for _, g := range c.gops {
		total += len(g.frames)
	}
	out := make([]models.Frame, 0, total)
	for _, g := range c.gops {
		out = append(out, g.Freeze()...)
	}
	// The active GOP was frozen by the snapshot; reopen a pending one so
	// the stream keeps accumulating without waiting for a key frame.
	last := c.gops[len(c.gops)-1]
	reopened := &GOP{frames: last.frames, bytes: last.bytes}
	c.gops[len(c.gops)-1] = reopened
	return out
}

// Dropped returns the number of frames dropped by cap enforcement.
func (c *Cache) Dropped() uint64 { return c.dropped }

// Len returns the number of GOPs currently cached.
func (c *Cache) Len() int { return len(c.gops) }
