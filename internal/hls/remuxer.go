package hls

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zijiren233/synctv-relay/internal/hub"
	"github.com/zijiren233/synctv-relay/internal/muxer"
	"github.com/zijiren233/synctv-relay/internal/storage"
	"github.com/zijiren233/synctv-relay/pkg/models"
)

// DefaultSegmentDuration is the target segment length; segments cut at the
// first key frame past it.
const DefaultSegmentDuration = 2 * time.Second

// DefaultRetention is how much content the descriptor list covers.
const DefaultRetention = 60 * time.Second

// SegmentDescriptor is one playlist entry. The list is self-pruning and
// exists only for M3U8 generation; store retention is the cleaner's job.
type SegmentDescriptor struct {
	Name      string
	Sequence  uint64
	Duration  float64
	WrittenAt time.Time
}

// Remuxer turns one stream's frames into numbered MPEG-TS segments and a
// rolling playlist. One remuxer task per stream.
type Remuxer struct {
	key     models.StreamKey
	store   storage.Storage
	hub     *hub.Hub
	subID   string
	target  time.Duration
	maxSegs int

	mu       sync.RWMutex
	segments []SegmentDescriptor
	seq      uint64

	// codec context, owned by the remux goroutine
	videoCodec string
	audioCodec string
	avcConfig  *muxer.DecoderConfig
	aacConfig  *muxer.AACConfig
	ts         *TSMuxer
	segBuf     bytes.Buffer
	segStart   uint32
	haveStart  bool
	haveKey    bool

	log zerolog.Logger
}

// newRemuxer subscribes to the hub and starts the remux task.
func newRemuxer(key models.StreamKey, h *hub.Hub, store storage.Storage, target, retention time.Duration) (*Remuxer, error) {
	subID := uuid.NewString()
	sub, err := h.Subscribe(key, models.SubscriberInfo{ID: subID, Type: models.SubscriberHLS, RemoteAddr: "local"})
	if err != nil {
		return nil, err
	}
	if target <= 0 {
		target = DefaultSegmentDuration
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	maxSegs := int(retention / target)
	if maxSegs < 3 {
		maxSegs = 3
	}
	r := &Remuxer{
		key:     key,
		store:   store,
		hub:     h,
		subID:   subID,
		target:  target,
		maxSegs: maxSegs,
		log:     log.With().Stringer("stream", key).Str("component", "hls").Logger(),
	}
	go r.run(sub)
	return r, nil
}

// stop detaches from the hub; the remux goroutine drains and exits.
func (r *Remuxer) stop() {
	r.hub.Unsubscribe(r.key, r.subID)
}

func (r *Remuxer) run(sub *hub.Subscription) {
	for _, f := range sub.Prior {
		r.consume(f)
	}
	for f := range sub.Frames {
		r.consume(f)
	}
	r.flush()
	r.log.Debug().Msg("hls remuxer stopped")
}

func (r *Remuxer) consume(f models.Frame) {
	switch f.Kind {
	case models.FrameMediaInfo:
		if f.Info != nil {
			r.videoCodec = f.Info.VideoCodec
			r.audioCodec = f.Info.AudioCodec
			r.ts = NewTSMuxer(r.videoCodec, r.audioCodec)
		}
	case models.FrameVideo:
		r.consumeVideo(f)
	case models.FrameAudio:
		r.consumeAudio(f)
	}
}

func (r *Remuxer) consumeVideo(f models.Frame) {
	pkt, err := muxer.ParseVideoPacket(f.Payload)
	if err != nil {
		return
	}
	if r.ts == nil {
		r.videoCodec = pkt.Codec
		r.ts = NewTSMuxer(r.videoCodec, r.audioCodec)
	}
	if pkt.IsSequenceHeader {
		if cfg, err := muxer.ParseDecoderConfig(pkt.Data); err == nil {
			r.avcConfig = cfg
		}
		return
	}

	if pkt.IsKeyFrame && r.shouldCut(f.Timestamp) {
		r.closeSegment(f.Timestamp)
	}
	if !r.haveStart {
		if !pkt.IsKeyFrame {
			return // wait for a key frame to open the first segment
		}
		r.openSegment(f.Timestamp)
	}

	annexB, err := muxer.AVCCToAnnexB(pkt.Data)
	if err != nil {
		return
	}
	if pkt.IsKeyFrame && r.avcConfig != nil {
		annexB = muxer.PrependParameterSets(annexB, r.avcConfig.SPS, r.avcConfig.PPS)
	}
	pts := (uint64(f.Timestamp) + uint64(pkt.CompositionTime)) * 90
	dts := uint64(f.Timestamp) * 90
	r.ts.WriteVideo(&r.segBuf, pts, dts, annexB, pkt.IsKeyFrame)
	r.haveKey = r.haveKey || pkt.IsKeyFrame
}

func (r *Remuxer) consumeAudio(f models.Frame) {
	pkt, err := muxer.ParseAudioPacket(f.Payload)
	if err != nil {
		return
	}
	if r.audioCodec == "" {
		r.audioCodec = pkt.Codec
		r.ts = NewTSMuxer(r.videoCodec, r.audioCodec)
	}
	if pkt.Codec == "aac" && pkt.IsSequenceHeader {
		if cfg, err := muxer.ParseAACConfig(pkt.Data); err == nil {
			r.aacConfig = cfg
		}
		return
	}
	if r.ts == nil {
		return
	}
	// Audio-only streams cut on the duration target alone.
	if r.videoCodec == "" && r.shouldCut(f.Timestamp) {
		r.closeSegment(f.Timestamp)
	}
	if !r.haveStart {
		if r.videoCodec != "" {
			return // video streams open segments at key frames only
		}
		r.openSegment(f.Timestamp)
	}
	data := pkt.Data
	if pkt.Codec == "aac" && r.aacConfig != nil {
		data = append(r.aacConfig.ADTSHeader(len(data)), data...)
	}
	r.ts.WriteAudio(&r.segBuf, uint64(f.Timestamp)*90, data)
}

func (r *Remuxer) shouldCut(ts uint32) bool {
	return r.haveStart && time.Duration(ts-r.segStart)*time.Millisecond >= r.target
}

func (r *Remuxer) openSegment(ts uint32) {
	r.segBuf.Reset()
	r.segStart = ts
	r.haveStart = true
	r.haveKey = false
	r.ts.WritePSI(&r.segBuf)
}

// closeSegment names the finished segment from its content, writes it to
// the store and appends a descriptor, then opens the next segment.
func (r *Remuxer) closeSegment(nextTS uint32) {
	if !r.haveStart || r.segBuf.Len() == 0 {
		r.openSegment(nextTS)
		return
	}
	data := append([]byte(nil), r.segBuf.Bytes()...)
	sum := sha256.Sum256(data)
	name := hex.EncodeToString(sum[:8])
	duration := float64(nextTS-r.segStart) / 1000

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err := r.store.Write(ctx, r.key.SegmentName(name), data)
	cancel()
	if err != nil {
		r.log.Warn().Err(err).Msg("failed to write hls segment")
	} else {
		r.mu.Lock()
		r.segments = append(r.segments, SegmentDescriptor{
			Name:      name,
			Sequence:  r.seq,
			Duration:  duration,
			WrittenAt: time.Now(),
		})
		r.seq++
		if len(r.segments) > r.maxSegs {
			r.segments = r.segments[len(r.segments)-r.maxSegs:]
		}
		r.mu.Unlock()
	}
	r.openSegment(nextTS)
}

// flush writes any trailing partial segment when the stream ends.
func (r *Remuxer) flush() {
	if r.haveStart && r.segBuf.Len() > 0 {
		r.closeSegment(r.segStart + uint32(r.target.Milliseconds()))
		r.haveStart = false
	}
}

// Segments returns the current descriptor list.
func (r *Remuxer) Segments() []SegmentDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]SegmentDescriptor(nil), r.segments...)
}

// Manager starts and stops one remuxer per live stream, driven by hub
// broadcast events.
type Manager struct {
	hub       *hub.Hub
	store     storage.Storage
	target    time.Duration
	retention time.Duration

	mu       sync.RWMutex
	remuxers map[models.StreamKey]*Remuxer
	events   <-chan hub.Event
	cancel   context.CancelFunc
}

// NewManager creates the HLS manager. The broadcast observer is attached
// here so no publish event can slip past before Run starts.
func NewManager(h *hub.Hub, store storage.Storage, target, retention time.Duration) *Manager {
	return &Manager{
		hub:       h,
		store:     store,
		target:    target,
		retention: retention,
		remuxers:  make(map[models.StreamKey]*Remuxer),
		events:    h.Observe(),
	}
}

// Run consumes hub events until Stop. Call in its own goroutine.
func (m *Manager) Run() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	events := m.events
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case hub.EventPublish:
				// Relay-published streams are served over the cluster
				// HLS proxy; only the true publisher node remuxes.
				if ev.Publisher.Type == models.PublisherLive {
					m.start(ev.Key)
				}
			case hub.EventUnpublish:
				m.stop(ev.Key)
			}
		}
	}
}

// Stop halts the manager and every remuxer.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, r := range m.remuxers {
		r.stop()
		delete(m.remuxers, key)
	}
}

func (m *Manager) start(key models.StreamKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.remuxers[key]; ok {
		return
	}
	r, err := newRemuxer(key, m.hub, m.store, m.target, m.retention)
	if err != nil {
		log.Warn().Err(err).Stringer("stream", key).Msg("failed to start hls remuxer")
		return
	}
	m.remuxers[key] = r
}

func (m *Manager) stop(key models.StreamKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.remuxers[key]; ok {
		r.stop()
		delete(m.remuxers, key)
	}
}

// Playlist generates the M3U8 body for a stream with segment URLs under
// urlBase. Returns false when the stream has no remuxer here.
func (m *Manager) Playlist(ctx context.Context, key models.StreamKey, urlBase string) (string, bool) {
	m.mu.RLock()
	r, ok := m.remuxers[key]
	m.mu.RUnlock()
	if !ok {
		return "", false
	}
	return GeneratePlaylist(ctx, key, r.Segments(), m.store, urlBase), true
}
