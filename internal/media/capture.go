package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
)

// Capturer acquires local media, the getUserMedia/getDisplayMedia analog.
// Acquisition can fail (device busy, permission denied); callers must treat a
// returned error as a rejected acquisition, not a fatal condition.
type Capturer interface {
	Video(ctx context.Context) (*Stream, error)
	Screen(ctx context.Context) (*Stream, error)
	// None returns an empty stream carrying no tracks. It never fails.
	None() *Stream
}

const (
	videoFrameInterval = 33 * time.Millisecond
	audioFrameInterval = 20 * time.Millisecond
)

// SyntheticCapturer produces generated samples: a solid video frame at a
// fixed cadence and silent audio. It stands in where real device capture is
// platform glue; the stream lifecycle (and the must-stop invariant) is
// identical to hardware capture.
type SyntheticCapturer struct{}

func NewSyntheticCapturer() *SyntheticCapturer { return &SyntheticCapturer{} }

func (c *SyntheticCapturer) Video(ctx context.Context) (*Stream, error) {
	return c.acquire(ctx, KindVideo, "camera")
}

func (c *SyntheticCapturer) Screen(ctx context.Context) (*Stream, error) {
	return c.acquire(ctx, KindScreen, "screen")
}

func (c *SyntheticCapturer) None() *Stream {
	return NewStream(uuid.NewString(), KindNone, nil)
}

func (c *SyntheticCapturer) acquire(ctx context.Context, kind Kind, label string) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("media: acquire %s: %w", label, err)
	}

	streamID := uuid.NewString()

	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		label, streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("media: create %s video track: %w", label, err)
	}
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("media: create audio track: %w", err)
	}

	stopVideo := startGenerator(video, blankFrame(), videoFrameInterval)
	stopAudio := startGenerator(audio, silentFrame(), audioFrameInterval)

	return NewStream(streamID, kind, []webrtc.TrackLocal{video, audio}, stopVideo, stopAudio), nil
}

// startGenerator feeds a static sample into the track at the given cadence
// until the returned stop function is called.
func startGenerator(track *webrtc.TrackLocalStaticSample, payload []byte, interval time.Duration) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				// WriteSample errors until the track is bound; keep pacing.
				_ = track.WriteSample(media.Sample{Data: payload, Duration: interval})
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

func blankFrame() []byte {
	return make([]byte, 1024)
}

func silentFrame() []byte {
	return make([]byte, 160)
}
