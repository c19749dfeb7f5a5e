package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/mossy-p/call-orchestrator/internal/inference"
	"github.com/mossy-p/call-orchestrator/internal/media"
	"github.com/mossy-p/call-orchestrator/internal/models"
	"github.com/mossy-p/call-orchestrator/internal/peer"
	"github.com/mossy-p/call-orchestrator/internal/signaling"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

// fakeSignal is an in-memory signaling channel. Messages sent on one side of
// a pair are delivered to the other side's subscriber.
type fakeSignal struct {
	mu       sync.Mutex
	sub      signaling.Subscriber
	other    *fakeSignal
	open     bool
	connects int
	closes   int
	sent     []models.SignalMessage
}

func newSignalPair() (*fakeSignal, *fakeSignal) {
	a, b := &fakeSignal{}, &fakeSignal{}
	a.other, b.other = b, a
	return a, b
}

func (f *fakeSignal) Subscribe(s signaling.Subscriber) {
	f.mu.Lock()
	f.sub = s
	f.mu.Unlock()
}

func (f *fakeSignal) Connect(context.Context, string, string) error {
	f.mu.Lock()
	f.open = true
	f.connects++
	sub := f.sub
	f.mu.Unlock()
	sub.OnOpen()
	return nil
}

func (f *fakeSignal) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeSignal) Send(msg models.SignalMessage) bool {
	f.mu.Lock()
	if !f.open {
		f.mu.Unlock()
		return false
	}
	f.sent = append(f.sent, msg)
	other := f.other
	f.mu.Unlock()

	if other != nil {
		other.deliver(msg)
	}
	return true
}

func (f *fakeSignal) Close() error {
	f.mu.Lock()
	f.open = false
	f.closes++
	f.mu.Unlock()
	return nil
}

// deliver plays the relay: msg arrives on this side.
func (f *fakeSignal) deliver(msg models.SignalMessage) {
	f.mu.Lock()
	sub := f.sub
	f.mu.Unlock()
	if sub != nil {
		sub.OnSignal(msg)
	}
}

func (f *fakeSignal) sentTypes() []models.SignalType {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.SignalType
	for _, m := range f.sent {
		out = append(out, m.SignalType())
	}
	return out
}

func (f *fakeSignal) count(t models.SignalType) int {
	n := 0
	for _, st := range f.sentTypes() {
		if st == t {
			n++
		}
	}
	return n
}

type fakeTransport struct {
	mu      sync.Mutex
	calls   []string
	closes  int
	onState func(webrtc.PeerConnectionState)
}

func (f *fakeTransport) record(c string) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
}

func (f *fakeTransport) has(c string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, x := range f.calls {
		if x == c {
			return true
		}
	}
	return false
}

func (f *fakeTransport) AddTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error) { return nil, nil }
func (f *fakeTransport) AddTransceiverFromKind(webrtc.RTPCodecType, ...webrtc.RTPTransceiverInit) (*webrtc.RTPTransceiver, error) {
	return nil, nil
}

func (f *fakeTransport) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	f.record("create-offer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "o"}, nil
}

func (f *fakeTransport) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	f.record("create-answer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "a"}, nil
}

func (f *fakeTransport) SetLocalDescription(d webrtc.SessionDescription) error {
	f.record("local-" + d.Type.String())
	return nil
}

func (f *fakeTransport) SetRemoteDescription(d webrtc.SessionDescription) error {
	f.record("remote-" + d.Type.String())
	return nil
}

func (f *fakeTransport) AddICECandidate(webrtc.ICECandidateInit) error {
	f.record("candidate")
	return nil
}

func (f *fakeTransport) OnICECandidate(func(*webrtc.ICECandidate)) {}
func (f *fakeTransport) OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {}

func (f *fakeTransport) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	f.mu.Lock()
	f.onState = fn
	f.mu.Unlock()
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) fire(state webrtc.PeerConnectionState) {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	fn(state)
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

type fakeStream struct {
	mu    sync.Mutex
	stops int
}

func (s *fakeStream) Tracks() []webrtc.TrackLocal { return nil }

func (s *fakeStream) Stop() {
	s.mu.Lock()
	s.stops++
	s.mu.Unlock()
}

func (s *fakeStream) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

type fakeSource struct {
	stream *fakeStream
	err    error
}

func (s *fakeSource) Acquire(context.Context) (media.Stream, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.stream, nil
}

type fakeNavigator struct {
	targets chan string
}

func (n *fakeNavigator) Navigate(target string) { n.targets <- target }

type fakeReporter struct {
	mu    sync.Mutex
	rooms []string
}

func (r *fakeReporter) EndCallAsync(roomID string) {
	r.mu.Lock()
	r.rooms = append(r.rooms, roomID)
	r.mu.Unlock()
}

type fakeInference struct {
	mu     sync.Mutex
	open   bool
	frames []models.LandmarkFrame
	closes int
}

func (f *fakeInference) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeInference) SendFrame(fr models.LandmarkFrame) error {
	f.mu.Lock()
	f.frames = append(f.frames, fr)
	f.mu.Unlock()
	return nil
}

func (f *fakeInference) Close() error {
	f.mu.Lock()
	f.open = false
	f.closes++
	f.mu.Unlock()
	return nil
}

func (f *fakeInference) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

type harness struct {
	s         *Session
	sig       *fakeSignal
	pc        *fakeTransport
	stream    *fakeStream
	nav       *fakeNavigator
	reporter  *fakeReporter
	inference *fakeInference
	handler   chan inference.Handler

	mu       sync.Mutex
	statuses []Status
}

func newHarness(t *testing.T, userID string, sig *fakeSignal, clk *clock.Mock) *harness {
	t.Helper()
	h := &harness{
		sig:       sig,
		pc:        &fakeTransport{},
		stream:    &fakeStream{},
		nav:       &fakeNavigator{targets: make(chan string, 1)},
		reporter:  &fakeReporter{},
		inference: &fakeInference{open: true},
		handler:   make(chan inference.Handler, 4),
	}
	h.s = New(Config{RoomID: "r1", UserID: userID, NavigateTo: "/friends"}, Deps{
		Signaling: sig,
		Transport: func() (peer.Transport, error) { return h.pc, nil },
		Media:     &fakeSource{stream: h.stream},
		DialInference: func(ctx context.Context, hd inference.Handler) (InferenceChannel, error) {
			h.handler <- hd
			return h.inference, nil
		},
		Reporter:  h.reporter,
		Navigator: h.nav,
		Clock:     clk,
		OnStatusChange: func(st Status) {
			h.mu.Lock()
			h.statuses = append(h.statuses, st)
			h.mu.Unlock()
		},
	})
	return h
}

func (h *harness) status() Status { return h.s.Snapshot().Status }

func (h *harness) sync(t *testing.T) {
	t.Helper()
	require.True(t, h.s.call(func() {}))
}

func (h *harness) history() []Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Status(nil), h.statuses...)
}

// startCall brings a, already present, and b, joining, through the offer
// and answer exchange.
func startCall(t *testing.T, clk *clock.Mock, a, b *harness) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, a.s.Start(ctx))
	require.NoError(t, b.s.Start(ctx))

	a.sig.deliver(models.UserJoined{})
	a.sync(t)
	clk.Add(DefaultOfferDelay)

	require.Eventually(t, func() bool {
		return a.pc.has("remote-answer")
	}, waitFor, tick)
}

func TestTwoPartyCallReachesConnected(t *testing.T) {
	clk := clock.NewMock()
	sigA, sigB := newSignalPair()
	a := newHarness(t, "alice", sigA, clk)
	b := newHarness(t, "bob", sigB, clk)

	startCall(t, clk, a, b)

	assert.Equal(t, 1, sigA.count(models.SignalTypeOffer))
	assert.Equal(t, 0, sigB.count(models.SignalTypeOffer))
	assert.Equal(t, 1, sigB.count(models.SignalTypeAnswer))
	assert.False(t, a.pc.has("remote-offer"), "offerer must not handle an offer")
	assert.False(t, b.pc.has("create-offer"))
	assert.Equal(t, StatusConnecting, a.status())
	assert.Equal(t, StatusConnecting, b.status())

	clk.Add(3 * time.Second)
	a.sync(t)
	assert.Zero(t, a.s.Snapshot().ConnectedDurationSeconds, "duration counts only once connected")

	a.pc.fire(webrtc.PeerConnectionStateConnected)
	b.pc.fire(webrtc.PeerConnectionStateConnected)
	a.pc.fire(webrtc.PeerConnectionStateConnected)
	a.sync(t)
	b.sync(t)

	assert.Equal(t, StatusConnected, a.status())
	assert.Equal(t, StatusConnected, b.status())

	clk.Add(time.Second)
	require.Eventually(t, func() bool { return a.s.Snapshot().ConnectedDurationSeconds == 1 }, waitFor, tick)
	a.sync(t)
	clk.Add(time.Second)
	require.Eventually(t, func() bool { return a.s.Snapshot().ConnectedDurationSeconds == 2 }, waitFor, tick)

	assert.Equal(t, []Status{StatusConnecting, StatusConnected}, a.history())
	assert.Equal(t, []Status{StatusConnecting, StatusConnected}, b.history())
}

func TestTransportFailureEndsCallOnce(t *testing.T) {
	clk := clock.NewMock()
	sigA, sigB := newSignalPair()
	a := newHarness(t, "alice", sigA, clk)
	b := newHarness(t, "bob", sigB, clk)
	startCall(t, clk, a, b)

	a.pc.fire(webrtc.PeerConnectionStateFailed)
	a.sync(t)
	assert.Equal(t, StatusEnded, a.status())

	// Further triggers must not run cleanup again.
	a.pc.fire(webrtc.PeerConnectionStateFailed)
	a.s.Hangup()
	a.sig.deliver(models.EndCall{})
	a.sync(t)

	assert.Equal(t, 1, a.stream.stopCount())
	assert.Equal(t, 1, a.pc.closeCount())
	assert.Equal(t, 1, sigA.closes)
	assert.Equal(t, 0, sigA.count(models.SignalTypeEndCall), "transport failure sends nothing")
	assert.Equal(t, []Status{StatusConnecting, StatusEnded}, a.history())

	clk.Add(NavigateDelay - time.Millisecond)
	assert.Never(t, func() bool { return len(a.nav.targets) > 0 }, 50*time.Millisecond, tick)

	clk.Add(time.Millisecond)
	select {
	case target := <-a.nav.targets:
		assert.Equal(t, "/friends", target)
	case <-time.After(waitFor):
		t.Fatal("navigation did not fire")
	}
	select {
	case <-a.s.Done():
	case <-time.After(waitFor):
		t.Fatal("session loop did not stop")
	}
}

func TestHangupNotifiesPeerAndBackend(t *testing.T) {
	clk := clock.NewMock()
	sigA, sigB := newSignalPair()
	a := newHarness(t, "alice", sigA, clk)
	b := newHarness(t, "bob", sigB, clk)
	startCall(t, clk, a, b)

	a.s.Hangup()
	a.sync(t)

	assert.Equal(t, StatusEnded, a.status())
	assert.Equal(t, 1, sigA.count(models.SignalTypeEndCall))
	a.reporter.mu.Lock()
	assert.Equal(t, []string{"r1"}, a.reporter.rooms)
	a.reporter.mu.Unlock()

	require.Eventually(t, func() bool { return b.status() == StatusEnded }, waitFor, tick)
	assert.Equal(t, 1, b.pc.closeCount())
	b.reporter.mu.Lock()
	assert.Empty(t, b.reporter.rooms, "remote hangup is not reported again")
	b.reporter.mu.Unlock()
}

func TestPermissionDeniedAbortsBeforeSignaling(t *testing.T) {
	clk := clock.NewMock()
	sig, _ := newSignalPair()
	h := newHarness(t, "alice", sig, clk)
	h.s.deps.Media = &fakeSource{err: media.ErrPermissionDenied}

	err := h.s.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPermissionDenied))
	assert.Zero(t, sig.connects)
	assert.Equal(t, StatusEnded, h.status())

	// Late calls must not block on a loop that never ran.
	h.s.Hangup()
	h.s.ToggleAI(nil)
}

func TestRejectOnlyBeforeConnecting(t *testing.T) {
	clk := clock.NewMock()
	sig, _ := newSignalPair()
	h := newHarness(t, "alice", sig, clk)
	require.NoError(t, h.s.Start(context.Background()))

	h.s.Reject()
	h.sync(t)
	assert.Equal(t, StatusConnecting, h.status())

	clk2 := clock.NewMock()
	sig2, _ := newSignalPair()
	h2 := newHarness(t, "carol", sig2, clk2)
	go h2.s.loop()
	h2.s.Reject()
	h2.sync(t)
	assert.Equal(t, StatusRejected, h2.status())
	assert.Equal(t, 1, sig2.closes)
}

func boolPtr(b bool) *bool { return &b }

func TestToggleRefusedWhileRemoteHoldsCaptioning(t *testing.T) {
	clk := clock.NewMock()
	sigA, sigB := newSignalPair()
	a := newHarness(t, "alice", sigA, clk)
	b := newHarness(t, "bob", sigB, clk)
	startCall(t, clk, a, b)

	a.sig.deliver(models.AIStatus{UserID: "bob", Enabled: true})
	a.sync(t)
	require.False(t, a.s.Snapshot().AI.CanEnable)

	before := sigA.count(models.SignalTypeAIStatus)
	a.s.ToggleAI(boolPtr(true))
	a.sync(t)

	ai := a.s.Snapshot().AI
	assert.False(t, ai.Enabled)
	assert.False(t, ai.Loading)
	assert.Equal(t, before, sigA.count(models.SignalTypeAIStatus))
	assert.Empty(t, a.handler)
}

func TestCaptioningStreamsAndLastEnableWins(t *testing.T) {
	clk := clock.NewMock()
	sigA, sigB := newSignalPair()
	a := newHarness(t, "alice", sigA, clk)
	b := newHarness(t, "bob", sigB, clk)
	startCall(t, clk, a, b)

	b.s.ToggleAI(nil)
	var hd inference.Handler
	select {
	case hd = <-b.handler:
	case <-time.After(waitFor):
		t.Fatal("inference channel not dialled")
	}
	require.Eventually(t, func() bool {
		ai := b.s.Snapshot().AI
		return ai.Enabled && !ai.Loading
	}, waitFor, tick)
	require.Eventually(t, func() bool { return !a.s.Snapshot().AI.CanEnable }, waitFor, tick)

	hand := []models.Hand{{{X: 0.5, Y: 0.5}}}
	b.s.OnDetection(hand)
	b.s.OnDetection(hand)
	b.sync(t)
	assert.Equal(t, 1, b.inference.frameCount(), "second detection falls inside the rate gate")

	hd.OnResult(models.CaptionResult{FrameID: 0, Text: "hello", Score: 0.9})
	b.sync(t)
	snap := b.s.Snapshot()
	require.NotNil(t, snap.Caption)
	assert.Equal(t, "hello", snap.Caption.Text)
	assert.Len(t, snap.Captions, 1)

	// Alice's enable arrives after Bob's: Bob is forced off.
	b.sig.deliver(models.AIStatus{UserID: "alice", Enabled: true})
	b.sync(t)

	snap = b.s.Snapshot()
	assert.False(t, snap.AI.Enabled)
	assert.False(t, snap.AI.CanEnable)
	assert.Nil(t, snap.Caption)
	assert.Empty(t, snap.Captions)
	assert.False(t, b.inference.IsOpen())
}

func TestInferenceCloseForcesCaptioningOff(t *testing.T) {
	clk := clock.NewMock()
	sigA, sigB := newSignalPair()
	a := newHarness(t, "alice", sigA, clk)
	b := newHarness(t, "bob", sigB, clk)
	startCall(t, clk, a, b)

	a.s.ToggleAI(nil)
	hd := <-a.handler
	require.Eventually(t, func() bool { return !a.s.Snapshot().AI.Loading }, waitFor, tick)

	hd.OnClose(errors.New("reset by peer"))
	a.sync(t)

	assert.False(t, a.s.Snapshot().AI.Enabled)
	assert.Equal(t, models.AIStatus{UserID: "alice", Enabled: false}, lastAIStatus(sigA))
}

func lastAIStatus(f *fakeSignal) models.SignalMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].SignalType() == models.SignalTypeAIStatus {
			return f.sent[i]
		}
	}
	return nil
}

func TestSecondUserJoinedDoesNotOfferTwice(t *testing.T) {
	clk := clock.NewMock()
	sigA, sigB := newSignalPair()
	a := newHarness(t, "alice", sigA, clk)
	b := newHarness(t, "bob", sigB, clk)
	startCall(t, clk, a, b)

	a.sig.deliver(models.UserJoined{})
	a.sync(t)
	clk.Add(DefaultOfferDelay)
	a.sync(t)

	assert.Equal(t, 1, sigA.count(models.SignalTypeOffer))
}

func TestTransportClosedEndsCallOnce(t *testing.T) {
	clk := clock.NewMock()
	sigA, sigB := newSignalPair()
	a := newHarness(t, "alice", sigA, clk)
	b := newHarness(t, "bob", sigB, clk)
	startCall(t, clk, a, b)

	a.pc.fire(webrtc.PeerConnectionStateConnected)
	a.pc.fire(webrtc.PeerConnectionStateClosed)
	a.pc.fire(webrtc.PeerConnectionStateClosed)
	a.sync(t)

	assert.Equal(t, StatusEnded, a.status())
	assert.Equal(t, 1, a.stream.stopCount())
	assert.Equal(t, 1, a.pc.closeCount())
	assert.Equal(t, 1, sigA.closes)
	assert.Equal(t, []Status{StatusConnecting, StatusConnected, StatusEnded}, a.history())
}

func TestConnectedIgnoredBeforeSignalingOpens(t *testing.T) {
	clk := clock.NewMock()
	sig, _ := newSignalPair()
	h := newHarness(t, "alice", sig, clk)
	go h.s.loop()

	h.s.call(func() { h.s.OnConnectionState(webrtc.PeerConnectionStateConnected) })
	assert.Equal(t, StatusCalling, h.status())
	assert.Empty(t, h.history())
}

func TestInferenceClosedDuringDialForcesCaptioningOff(t *testing.T) {
	clk := clock.NewMock()
	sigA, sigB := newSignalPair()
	a := newHarness(t, "alice", sigA, clk)
	b := newHarness(t, "bob", sigB, clk)
	startCall(t, clk, a, b)

	// The server accepts the upgrade and drops the socket straight away, so
	// the close is reported before the dial returns.
	dead := &fakeInference{}
	a.s.deps.DialInference = func(ctx context.Context, hd inference.Handler) (InferenceChannel, error) {
		hd.OnClose(errors.New("invalid token"))
		return dead, nil
	}

	a.s.ToggleAI(nil)
	require.Eventually(t, func() bool {
		return lastAIStatus(sigA) == models.AIStatus{UserID: "alice", Enabled: false}
	}, waitFor, tick)
	a.sync(t)

	ai := a.s.Snapshot().AI
	assert.False(t, ai.Enabled)
	assert.False(t, ai.Loading)
	assert.True(t, ai.CanEnable)

	// Both of alice's broadcasts were queued on bob before this toggle.
	b.s.ToggleAI(boolPtr(true))
	b.sync(t)
	assert.True(t, b.s.Snapshot().AI.Enabled)
}

func TestMissingInferenceEndpointDoesNotLockPeerOut(t *testing.T) {
	clk := clock.NewMock()
	sigA, sigB := newSignalPair()
	a := newHarness(t, "alice", sigA, clk)
	b := newHarness(t, "bob", sigB, clk)
	a.s.deps.DialInference = nil
	startCall(t, clk, a, b)

	a.s.ToggleAI(nil)
	a.sync(t)

	assert.False(t, a.s.Snapshot().AI.Enabled)
	assert.Equal(t, models.AIStatus{UserID: "alice", Enabled: false}, lastAIStatus(sigA))

	b.sync(t)
	assert.True(t, b.s.Snapshot().AI.CanEnable)
}
