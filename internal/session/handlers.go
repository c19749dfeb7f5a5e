package session

import (
	"github.com/mossy-p/call-orchestrator/internal/models"
	"github.com/mossy-p/call-orchestrator/internal/peer"
	"github.com/pion/webrtc/v4"
)

// subscriber adapts the signaling callbacks onto the loop.
type subscriber struct{ s *Session }

func (sub subscriber) OnOpen() {
	sub.s.post(sub.s.handleOpen)
}

func (sub subscriber) OnSignal(msg models.SignalMessage) {
	sub.s.post(func() { sub.s.handleSignal(msg) })
}

func (sub subscriber) OnDisconnect(err error) {
	sub.s.post(func() {
		// The channel is not reopened and its loss alone does not end the call.
		if !sub.s.status.Terminal() {
			sub.s.log.WithError(err).Warn("Signaling channel lost")
		}
	})
}

func (s *Session) handleOpen() {
	if s.status == StatusCalling {
		s.setStatus(StatusConnecting)
	}
}

func (s *Session) handleSignal(msg models.SignalMessage) {
	if s.status.Terminal() {
		return
	}

	switch m := msg.(type) {
	case models.UserJoined:
		s.handleUserJoined()
	case models.Offer:
		if err := s.peer.HandleOffer(m.Offer, s.tracks()); err != nil {
			s.log.WithError(err).Error("Failed to handle offer")
		}
	case models.Answer:
		if err := s.peer.HandleAnswer(m.Answer); err != nil {
			s.log.WithError(err).Error("Failed to handle answer")
		}
	case models.ICE:
		s.peer.HandleICECandidate(m.Candidate)
	case models.AIStatus:
		s.ai.HandleRemoteStatus(m)
	case models.EndCall:
		s.end("remote hangup")
	default:
		s.log.WithField("type", msg.SignalType()).Warn("Unhandled signal")
	}
}

// handleUserJoined makes the participant already present the offerer. The
// joiner never sees user_joined for itself and waits for the offer, so the
// two sides cannot both offer.
func (s *Session) handleUserJoined() {
	if s.offerTimer != nil || s.peer.Role() != peer.RoleNone {
		s.log.Debug("Ignoring repeated user_joined")
		return
	}
	s.offerTimer = s.afterFunc(s.cfg.OfferDelay, func() {
		if s.status.Terminal() {
			return
		}
		if err := s.peer.CreateOffer(s.tracks()); err != nil {
			s.log.WithError(err).Error("Failed to create offer")
		}
	})
}

// OnConnectionState implements peer.Observer. It is the only driver of the
// Connected and transport-failure transitions.
func (s *Session) OnConnectionState(state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.markConnected()
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		s.end("transport " + state.String())
	}
}

// OnRemoteTrack implements peer.Observer.
func (s *Session) OnRemoteTrack(track *webrtc.TrackRemote) {
	s.log.WithField("kind", track.Kind().String()).Info("Remote track received")
	if s.deps.OnRemoteTrack != nil {
		s.deps.OnRemoteTrack(track)
	}
}
