// Package peer negotiates the single media transport of a call: offer,
// answer and trickle ICE with buffering of early remote candidates.
package peer

import (
	"errors"
	"fmt"

	"github.com/mossy-p/call-orchestrator/internal/models"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// Role is the part this side plays in the one negotiation round.
type Role int

const (
	RoleNone Role = iota
	RoleOfferer
	RoleAnswerer
)

func (r Role) String() string {
	switch r {
	case RoleOfferer:
		return "offerer"
	case RoleAnswerer:
		return "answerer"
	default:
		return "none"
	}
}

var (
	// ErrNoTransport is returned when an answer arrives before any offer was made.
	ErrNoTransport = errors.New("no transport")
	// ErrClosed is returned once the manager has been closed.
	ErrClosed = errors.New("peer manager closed")
)

// Sender is the outbound half of the signaling channel.
type Sender interface {
	IsOpen() bool
	Send(msg models.SignalMessage) bool
}

// Observer receives transport events on the owner's event loop.
type Observer interface {
	OnConnectionState(state webrtc.PeerConnectionState)
	OnRemoteTrack(track *webrtc.TrackRemote)
}

// Manager owns one transport per call. It is not safe for concurrent use:
// every method, and every callback it schedules through post, must run on
// the same event loop.
type Manager struct {
	newTransport Factory
	signal       Sender
	observer     Observer
	post         func(func())
	log          *logrus.Entry

	pc     Transport
	role   Role
	closed bool

	remoteDescriptionSet bool
	pendingCandidates    []webrtc.ICECandidateInit
}

// NewManager creates a manager. post must run its argument on the owner's
// event loop; transport callbacks arrive on Pion goroutines and are
// forwarded through it.
func NewManager(factory Factory, signal Sender, observer Observer, post func(func()), log *logrus.Entry) *Manager {
	return &Manager{
		newTransport: factory,
		signal:       signal,
		observer:     observer,
		post:         post,
		log:          log.WithField("component", "peer"),
	}
}

// Role reports which side of the negotiation this manager took.
func (m *Manager) Role() Role { return m.role }

// RemoteDescriptionSet reports whether early candidates are still buffered.
func (m *Manager) RemoteDescriptionSet() bool { return m.remoteDescriptionSet }

// PendingCandidates returns how many remote candidates are buffered.
func (m *Manager) PendingCandidates() int { return len(m.pendingCandidates) }

// CreateOffer attaches tracks, builds the local offer and sends it. It is a
// logged no-op when the signaling channel is closed or a role was already
// taken this round.
func (m *Manager) CreateOffer(tracks []webrtc.TrackLocal) error {
	if m.closed {
		return ErrClosed
	}
	if m.role != RoleNone {
		m.log.WithField("role", m.role).Warn("Offer skipped, negotiation already started")
		return nil
	}
	if !m.signal.IsOpen() {
		m.log.Warn("Offer skipped, signaling channel not open")
		return nil
	}

	pc, err := m.ensureTransport(tracks)
	if err != nil {
		return err
	}
	m.role = RoleOfferer
	addRecvOnlyForMissingKinds(pc, tracks, m.log)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}

	m.signal.Send(models.Offer{Offer: offer})
	m.log.Info("Offer sent")
	return nil
}

// HandleOffer answers a remote offer. The offerer of this round ignores
// offers.
func (m *Manager) HandleOffer(offer webrtc.SessionDescription, tracks []webrtc.TrackLocal) error {
	if m.closed {
		return ErrClosed
	}
	if m.role != RoleNone {
		m.log.WithField("role", m.role).Warn("Ignoring offer, negotiation already started")
		return nil
	}

	pc, err := m.ensureTransport(tracks)
	if err != nil {
		return err
	}
	m.role = RoleAnswerer

	if err := m.setRemoteDescription(offer); err != nil {
		return err
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}

	m.signal.Send(models.Answer{Answer: answer})
	m.log.Info("Answer sent")
	return nil
}

// HandleAnswer completes the round started by CreateOffer.
func (m *Manager) HandleAnswer(answer webrtc.SessionDescription) error {
	if m.closed {
		return ErrClosed
	}
	if m.pc == nil || m.role != RoleOfferer {
		return fmt.Errorf("answer as %s: %w", m.role, ErrNoTransport)
	}
	if m.remoteDescriptionSet {
		m.log.Warn("Ignoring duplicate answer")
		return nil
	}
	return m.setRemoteDescription(answer)
}

// HandleICECandidate applies c, or buffers it until the remote description
// is set.
func (m *Manager) HandleICECandidate(c webrtc.ICECandidateInit) {
	if m.closed {
		return
	}
	if !m.remoteDescriptionSet {
		m.pendingCandidates = append(m.pendingCandidates, c)
		return
	}
	m.addCandidate(c)
}

// Close tears the transport down. Callbacks already queued become no-ops.
func (m *Manager) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	m.pendingCandidates = nil
	if m.pc == nil {
		return nil
	}
	return m.pc.Close()
}

func (m *Manager) setRemoteDescription(desc webrtc.SessionDescription) error {
	if err := m.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}
	m.remoteDescriptionSet = true
	m.flushCandidates()
	return nil
}

// flushCandidates applies buffered candidates in receipt order. It runs once,
// right after the remote description is set.
func (m *Manager) flushCandidates() {
	pending := m.pendingCandidates
	m.pendingCandidates = nil

	if len(pending) > 0 {
		m.log.WithField("count", len(pending)).Debug("Applying buffered candidates")
	}
	for _, c := range pending {
		m.addCandidate(c)
	}
}

func (m *Manager) addCandidate(c webrtc.ICECandidateInit) {
	if err := m.pc.AddICECandidate(c); err != nil {
		m.log.WithError(err).Warn("Failed to add ICE candidate")
	}
}

func (m *Manager) ensureTransport(tracks []webrtc.TrackLocal) (Transport, error) {
	if m.pc != nil {
		return m.pc, nil
	}

	pc, err := m.newTransport()
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}
	m.pc = pc

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			m.post(func() { m.log.Debug("ICE gathering complete") })
			return
		}
		init := c.ToJSON()
		m.post(func() {
			if m.closed {
				return
			}
			m.signal.Send(models.ICE{Candidate: init})
		})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.post(func() {
			m.log.WithField("state", state.String()).Info("Connection state changed")
			if m.closed {
				return
			}
			m.observer.OnConnectionState(state)
		})
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		m.post(func() {
			if m.closed {
				return
			}
			m.observer.OnRemoteTrack(track)
		})
	})

	for _, track := range tracks {
		if _, err := pc.AddTrack(track); err != nil {
			m.log.WithError(err).WithField("track", track.ID()).Warn("Failed to add local track")
		}
	}
	return pc, nil
}

// addRecvOnlyForMissingKinds makes the offer request both audio and video
// even when a local device is missing.
func addRecvOnlyForMissingKinds(pc Transport, tracks []webrtc.TrackLocal, log *logrus.Entry) {
	have := map[webrtc.RTPCodecType]bool{}
	for _, t := range tracks {
		have[t.Kind()] = true
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if have[kind] {
			continue
		}
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.WithError(err).WithField("kind", kind.String()).Warn("AddTransceiver failed")
		}
	}
}
