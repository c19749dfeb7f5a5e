// Package session orchestrates one two-party call: signaling, media
// negotiation, captioning arbitration and the landmark pipeline. All of a
// session's state is owned by a single event loop goroutine; channel reads,
// transport callbacks and timers post closures onto it and each runs to
// completion before the next.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/mossy-p/call-orchestrator/internal/aifeature"
	"github.com/mossy-p/call-orchestrator/internal/inference"
	"github.com/mossy-p/call-orchestrator/internal/landmarks"
	"github.com/mossy-p/call-orchestrator/internal/media"
	"github.com/mossy-p/call-orchestrator/internal/models"
	"github.com/mossy-p/call-orchestrator/internal/peer"
	"github.com/mossy-p/call-orchestrator/internal/signaling"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

const (
	// NavigateDelay separates the end of a call from navigating away.
	NavigateDelay = 2000 * time.Millisecond
	// DefaultOfferDelay is how long the present participant waits after
	// user_joined before offering.
	DefaultOfferDelay = 1000 * time.Millisecond

	eventBuffer = 256
)

// ErrPermissionDenied aborts Start before any signaling happens.
var ErrPermissionDenied = media.ErrPermissionDenied

// Signaling is the call's signaling channel. *signaling.Client satisfies it.
type Signaling interface {
	Subscribe(s signaling.Subscriber)
	Connect(ctx context.Context, roomID, userID string) error
	IsOpen() bool
	Send(msg models.SignalMessage) bool
	Close() error
}

// InferenceChannel is an open captioning channel.
type InferenceChannel interface {
	landmarks.FrameSink
	Close() error
}

// InferenceDialer opens the captioning channel for this call.
type InferenceDialer func(ctx context.Context, h inference.Handler) (InferenceChannel, error)

// Reporter tells the backend a call was hung up. Fire and forget.
type Reporter interface {
	EndCallAsync(roomID string)
}

// Navigator moves the user away once the call is over.
type Navigator interface {
	Navigate(target string)
}

// Config identifies the call.
type Config struct {
	RoomID     string
	UserID     string
	OfferDelay time.Duration
	// NavigateTo is handed to the Navigator after the call ends.
	NavigateTo string
}

// Deps are the collaborators of a session.
type Deps struct {
	Signaling     Signaling
	Transport     peer.Factory
	Media         media.Source
	DialInference InferenceDialer
	Reporter      Reporter
	Navigator     Navigator
	Clock         clock.Clock

	// Optional rendering hooks, called on the session loop.
	OnStatusChange func(Status)
	OnRemoteTrack  func(*webrtc.TrackRemote)
}

// Snapshot is the state a renderer reads.
type Snapshot struct {
	RoomID                   string                 `json:"room_id"`
	UserID                   string                 `json:"user_id"`
	Status                   Status                 `json:"status"`
	ConnectedDurationSeconds int                    `json:"connected_duration_seconds"`
	AI                       aifeature.State        `json:"ai"`
	Caption                  *models.CaptionResult  `json:"caption,omitempty"`
	Captions                 []models.CaptionResult `json:"captions"`
}

// Session is the per-call context. Never reuse one across calls.
type Session struct {
	cfg  Config
	deps Deps
	log  *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	events   chan func()
	done     chan struct{}
	stopOnce sync.Once

	// Owned by the loop.
	status       Status
	duration     int
	stream       media.Stream
	peer         *peer.Manager
	ai           *aifeature.Arbitrator
	pipeline     *landmarks.Pipeline
	inference    InferenceChannel
	inferenceGen int
	offerTimer   landmarks.Stopper
	tickTimer    landmarks.Stopper
	navTimer     landmarks.Stopper
	cleanedUp    bool

	snapMu sync.RWMutex
	snap   Snapshot
}

// New creates a session in the Calling state. Nothing happens until Start.
func New(cfg Config, deps Deps) *Session {
	if cfg.OfferDelay <= 0 {
		cfg.OfferDelay = DefaultOfferDelay
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:    cfg,
		deps:   deps,
		log:    logrus.WithFields(logrus.Fields{"room_id": cfg.RoomID, "user_id": cfg.UserID}),
		ctx:    ctx,
		cancel: cancel,
		events: make(chan func(), eventBuffer),
		done:   make(chan struct{}),
		status: StatusCalling,
	}

	if deps.DialInference == nil {
		s.log.Warn("No inference endpoint configured, captioning unavailable")
	}

	s.peer = peer.NewManager(deps.Transport, deps.Signaling, s, s.post, s.log)
	s.pipeline = landmarks.NewPipeline(cfg.RoomID, deps.Clock, s.afterFunc, s.log)
	s.ai = aifeature.New(cfg.UserID, deps.Signaling, captioning{s}, s.log)
	s.publish()
	return s
}

// Start acquires local media, starts the event loop and opens signaling.
// A refused media request returns an error wrapping ErrPermissionDenied and
// no signaling takes place.
func (s *Session) Start(ctx context.Context) error {
	stream, err := s.deps.Media.Acquire(ctx)
	if err != nil {
		s.log.WithError(err).Error("Local media unavailable, call aborted")
		s.setStatus(StatusEnded)
		s.publish()
		s.cancel()
		s.stop()
		return fmt.Errorf("acquire media: %w", err)
	}
	s.stream = stream

	go s.loop()

	s.deps.Signaling.Subscribe(subscriber{s})
	if err := s.deps.Signaling.Connect(ctx, s.cfg.RoomID, s.cfg.UserID); err != nil {
		s.log.WithError(err).Error("Signaling unavailable, call aborted")
		s.post(func() { s.end("signaling unavailable") })
		return err
	}
	return nil
}

// Hangup ends the call locally: end_call is sent, the backend is told and
// cleanup runs. Safe to call from any goroutine, any number of times.
func (s *Session) Hangup() {
	s.post(func() {
		if s.status.Terminal() {
			return
		}
		s.deps.Signaling.Send(models.EndCall{})
		if s.deps.Reporter != nil {
			s.deps.Reporter.EndCallAsync(s.cfg.RoomID)
		}
		s.end("local hangup")
	})
}

// Reject is driven by the invitation flow outside the active call: a call
// declined before it connected ends as Rejected.
func (s *Session) Reject() {
	s.post(func() {
		if s.status != StatusCalling {
			return
		}
		s.setStatus(StatusRejected)
		s.cleanup()
		s.scheduleNavigation()
	})
}

// ToggleAI flips captioning, or moves it to *requested.
func (s *Session) ToggleAI(requested *bool) {
	s.post(func() {
		if s.status.Terminal() {
			return
		}
		s.ai.Toggle(requested)
	})
}

// OnDetection feeds one extractor result into the landmark producer.
func (s *Session) OnDetection(hands []models.Hand) {
	s.post(func() { s.pipeline.OnDetection(hands) })
}

// Snapshot returns the latest published state.
func (s *Session) Snapshot() Snapshot {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snap
}

// Done is closed once the session has navigated away and its loop exited.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) loop() {
	for {
		select {
		case f := <-s.events:
			f()
			s.publish()
		case <-s.done:
			return
		}
	}
}

// post queues f on the loop. Events posted after the session finished are
// dropped.
func (s *Session) post(f func()) {
	select {
	case s.events <- f:
	case <-s.done:
	}
}

// call runs f on the loop and waits for it.
func (s *Session) call(f func()) bool {
	ran := make(chan struct{})
	s.post(func() {
		f()
		close(ran)
	})
	select {
	case <-ran:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) afterFunc(d time.Duration, f func()) landmarks.Stopper {
	return s.deps.Clock.AfterFunc(d, func() { s.post(f) })
}

func (s *Session) setStatus(st Status) {
	if s.status == st {
		return
	}
	s.log.WithFields(logrus.Fields{"from": s.status.String(), "to": st.String()}).Info("Call status changed")
	s.status = st
	if s.deps.OnStatusChange != nil {
		s.deps.OnStatusChange(st)
	}
}

func (s *Session) tracks() []webrtc.TrackLocal {
	if s.stream == nil {
		return nil
	}
	return s.stream.Tracks()
}

// markConnected moves Connecting to Connected and starts the duration
// counter once.
func (s *Session) markConnected() {
	if s.status != StatusConnecting {
		return
	}
	s.setStatus(StatusConnected)
	s.tickTimer = s.afterFunc(time.Second, s.tick)
}

func (s *Session) tick() {
	if s.status != StatusConnected {
		return
	}
	s.duration++
	s.tickTimer = s.afterFunc(time.Second, s.tick)
}

// end moves to Ended, cleans up and schedules navigation.
func (s *Session) end(reason string) {
	if s.status.Terminal() {
		return
	}
	s.log.WithField("reason", reason).Info("Call ended")
	s.setStatus(StatusEnded)
	s.cleanup()
	s.scheduleNavigation()
}

// cleanup releases every resource of the call exactly once.
func (s *Session) cleanup() {
	if s.cleanedUp {
		return
	}
	s.cleanedUp = true

	for _, t := range []landmarks.Stopper{s.offerTimer, s.tickTimer} {
		if t != nil {
			t.Stop()
		}
	}

	s.ai.Shutdown()
	s.closeInference()
	s.pipeline.Clear()

	if s.stream != nil {
		s.stream.Stop()
	}
	if err := s.peer.Close(); err != nil {
		s.log.WithError(err).Warn("Failed to close transport")
	}
	if err := s.deps.Signaling.Close(); err != nil {
		s.log.WithError(err).Warn("Failed to close signaling")
	}
	s.cancel()
}

func (s *Session) scheduleNavigation() {
	s.navTimer = s.afterFunc(NavigateDelay, func() {
		if s.deps.Navigator != nil {
			s.deps.Navigator.Navigate(s.cfg.NavigateTo)
		}
		s.publish()
		s.stop()
	})
}

func (s *Session) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *Session) publish() {
	snap := Snapshot{
		RoomID:                   s.cfg.RoomID,
		UserID:                   s.cfg.UserID,
		Status:                   s.status,
		ConnectedDurationSeconds: s.duration,
		AI:                       s.ai.State(),
		Captions:                 s.pipeline.History(),
	}
	if c, ok := s.pipeline.Current(); ok {
		snap.Caption = &c
	}

	s.snapMu.Lock()
	s.snap = snap
	s.snapMu.Unlock()
}
