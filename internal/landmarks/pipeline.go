// Package landmarks streams hand-pose frames to the inference channel at a
// bounded rate and keeps the captions that come back.
package landmarks

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/mossy-p/call-orchestrator/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	// FrameInterval caps emission at about 15 frames per second.
	FrameInterval = 67 * time.Millisecond
	// HistoryCapacity is the number of captions kept.
	HistoryCapacity = 5
	// CaptionTTL is how long a caption stays current.
	CaptionTTL = 3000 * time.Millisecond
)

// FrameSink is the outbound side of the inference channel.
type FrameSink interface {
	IsOpen() bool
	SendFrame(f models.LandmarkFrame) error
}

// Stopper cancels a pending timer. *clock.Timer satisfies it.
type Stopper interface {
	Stop() bool
}

// AfterFunc schedules f after d on the owner's event loop.
type AfterFunc func(d time.Duration, f func()) Stopper

// Pipeline is not safe for concurrent use; it lives on the session loop.
type Pipeline struct {
	roomID    string
	clock     clock.Clock
	afterFunc AfterFunc
	log       *logrus.Entry

	sink        FrameSink
	producing   bool
	lastSent    time.Time
	nextFrameID uint64

	history *History[models.CaptionResult]
	current *models.CaptionResult
	timers  map[int]Stopper
	timerID int
}

func NewPipeline(roomID string, clk clock.Clock, afterFunc AfterFunc, log *logrus.Entry) *Pipeline {
	return &Pipeline{
		roomID:    roomID,
		clock:     clk,
		afterFunc: afterFunc,
		log:       log.WithField("component", "landmarks"),
		history:   NewHistory[models.CaptionResult](HistoryCapacity),
		timers:    make(map[int]Stopper),
	}
}

// SetSink attaches (or with nil, detaches) the inference channel.
func (p *Pipeline) SetSink(s FrameSink) { p.sink = s }

func (p *Pipeline) StartProducer() { p.producing = true }

// StopProducer pauses forwarding. The rate gate survives a restart.
func (p *Pipeline) StopProducer() { p.producing = false }

// Producing reports whether detections are currently forwarded.
func (p *Pipeline) Producing() bool { return p.producing }

// OnDetection is called at the extractor's native rate. At most one frame
// per FrameInterval is sent, only while producing with an open sink, and
// never for a detection without hands. Returns whether a frame was sent.
func (p *Pipeline) OnDetection(hands []models.Hand) bool {
	if !p.producing || p.sink == nil || !p.sink.IsOpen() {
		return false
	}
	if len(hands) == 0 {
		return false
	}

	now := p.clock.Now()
	if !p.lastSent.IsZero() && now.Sub(p.lastSent) < FrameInterval {
		return false
	}

	frame := models.LandmarkFrame{
		FrameID:     p.nextFrameID,
		RoomID:      p.roomID,
		Landmarks:   hands,
		TimestampMs: now.UnixMilli(),
	}
	if err := p.sink.SendFrame(frame); err != nil {
		p.log.WithError(err).Debug("Landmark frame dropped")
		return false
	}
	p.lastSent = now
	p.nextFrameID++
	return true
}

// OnCaption records r and makes it the current caption. Each caption
// schedules its own clear, which only fires if the current caption still has
// the same text. A repeat of the current text therefore neither extends nor
// cancels the clear already pending.
func (p *Pipeline) OnCaption(r models.CaptionResult) {
	p.history.Push(r)
	p.current = &r

	id := p.timerID
	p.timerID++
	text := r.Text
	p.timers[id] = p.afterFunc(CaptionTTL, func() {
		delete(p.timers, id)
		if p.current != nil && p.current.Text == text {
			p.current = nil
		}
	})
}

// Current returns the caption on display, if any.
func (p *Pipeline) Current() (models.CaptionResult, bool) {
	if p.current == nil {
		return models.CaptionResult{}, false
	}
	return *p.current, true
}

// History returns the kept captions, oldest first.
func (p *Pipeline) History() []models.CaptionResult {
	return p.history.Snapshot()
}

// Clear drops history, the current caption and pending clears.
func (p *Pipeline) Clear() {
	p.history.Reset()
	p.current = nil
	for id, t := range p.timers {
		t.Stop()
		delete(p.timers, id)
	}
}
