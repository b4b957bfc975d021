package hls

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/zijiren233/synctv-relay/internal/storage"
	"github.com/zijiren233/synctv-relay/pkg/models"
)

// GeneratePlaylist renders the live-window M3U8 for the given descriptor
// list. Segment URLs come from the store when it can furnish public URLs
// (CDN or presigned), otherwise they are routed under urlBase. No
// EXT-X-ENDLIST: this is a live window.
func GeneratePlaylist(ctx context.Context, key models.StreamKey, segments []SegmentDescriptor, store storage.Storage, urlBase string) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")

	maxDur := 0.0
	for _, s := range segments {
		if s.Duration > maxDur {
			maxDur = s.Duration
		}
	}
	if maxDur == 0 {
		maxDur = DefaultSegmentDuration.Seconds()
	}
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", int(math.Ceil(maxDur)))

	seq := uint64(0)
	if len(segments) > 0 {
		seq = segments[0].Sequence
	}
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", seq)

	base := strings.TrimSuffix(urlBase, "/")
	for _, s := range segments {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", s.Duration)
		url := ""
		if store != nil {
			url, _ = store.PublicURL(ctx, key.SegmentName(s.Name))
		}
		if url == "" {
			url = fmt.Sprintf("%s/%s.ts", base, s.Name)
		}
		b.WriteString(url)
		b.WriteByte('\n')
	}
	return b.String()
}
