// Package media provides the local tracks a call sends.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// ErrPermissionDenied is returned when camera or microphone access is refused.
var ErrPermissionDenied = errors.New("media permission denied")

// Stream is the local media of one call. It is shared by the renderer and
// the peer connection and stopped exactly once at cleanup.
type Stream interface {
	Tracks() []webrtc.TrackLocal
	Stop()
}

// Source acquires local media. Implementations wrap a refusal in
// ErrPermissionDenied.
type Source interface {
	Acquire(ctx context.Context) (Stream, error)
}

// StaticSource produces Opus and VP8 sample tracks that the caller feeds
// itself. It backs headless clients with no capture devices.
type StaticSource struct {
	StreamID string
	Audio    bool
	Video    bool
}

func (s StaticSource) Acquire(context.Context) (Stream, error) {
	if !s.Audio && !s.Video {
		return nil, fmt.Errorf("no audio or video requested: %w", ErrPermissionDenied)
	}

	st := &staticStream{}
	if s.Audio {
		t, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", s.StreamID)
		if err != nil {
			return nil, fmt.Errorf("audio track: %w", err)
		}
		st.tracks = append(st.tracks, t)
	}
	if s.Video {
		t, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", s.StreamID)
		if err != nil {
			return nil, fmt.Errorf("video track: %w", err)
		}
		st.tracks = append(st.tracks, t)
	}
	return st, nil
}

type staticStream struct {
	mu      sync.Mutex
	tracks  []webrtc.TrackLocal
	stopped bool
}

func (s *staticStream) Tracks() []webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	return s.tracks
}

func (s *staticStream) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}
