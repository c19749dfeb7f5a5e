package models

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// SignalType represents the type of call signaling message
type SignalType string

const (
	SignalTypeUserJoined SignalType = "user_joined"
	SignalTypeOffer      SignalType = "offer"
	SignalTypeAnswer     SignalType = "answer"
	SignalTypeICE        SignalType = "ice"
	SignalTypeAIStatus   SignalType = "ai_status"
	SignalTypeEndCall    SignalType = "end_call"
)

// Known reports whether t is one of the signaling message types.
func (t SignalType) Known() bool {
	switch t {
	case SignalTypeUserJoined, SignalTypeOffer, SignalTypeAnswer,
		SignalTypeICE, SignalTypeAIStatus, SignalTypeEndCall:
		return true
	}
	return false
}

// SignalMessage is one variant of the signaling union. The set of
// implementations is closed to this package.
type SignalMessage interface {
	SignalType() SignalType
	signal()
}

// UserJoined is announced by the relay to the participant already in the room.
type UserJoined struct{}

type Offer struct {
	Offer webrtc.SessionDescription `json:"offer"`
}

type Answer struct {
	Answer webrtc.SessionDescription `json:"answer"`
}

// ICE carries one trickled candidate.
type ICE struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type AIStatus struct {
	UserID  string `json:"user_id"`
	Enabled bool   `json:"enabled"`
}

type EndCall struct{}

func (UserJoined) SignalType() SignalType { return SignalTypeUserJoined }
func (Offer) SignalType() SignalType      { return SignalTypeOffer }
func (Answer) SignalType() SignalType     { return SignalTypeAnswer }
func (ICE) SignalType() SignalType        { return SignalTypeICE }
func (AIStatus) SignalType() SignalType   { return SignalTypeAIStatus }
func (EndCall) SignalType() SignalType    { return SignalTypeEndCall }

func (UserJoined) signal() {}
func (Offer) signal()      {}
func (Answer) signal()     {}
func (ICE) signal()        {}
func (AIStatus) signal()   {}
func (EndCall) signal()    {}

// envelope is the flat wire form: the variant's fields sit next to "type".
type envelope struct {
	Type      SignalType                 `json:"type"`
	Offer     *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer    *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	UserID    string                     `json:"user_id,omitempty"`
	Enabled   *bool                      `json:"enabled,omitempty"`
}

// EncodeSignal marshals msg into its wire form.
func EncodeSignal(msg SignalMessage) ([]byte, error) {
	env := envelope{Type: msg.SignalType()}
	switch m := msg.(type) {
	case UserJoined, EndCall:
	case Offer:
		env.Offer = &m.Offer
	case Answer:
		env.Answer = &m.Answer
	case ICE:
		env.Candidate = &m.Candidate
	case AIStatus:
		env.UserID = m.UserID
		env.Enabled = &m.Enabled
	default:
		return nil, fmt.Errorf("unknown signal message %T", msg)
	}
	return json.Marshal(env)
}

// DecodeSignal parses a wire message into its variant.
func DecodeSignal(data []byte) (SignalMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode signal: %w", err)
	}

	switch env.Type {
	case SignalTypeUserJoined:
		return UserJoined{}, nil
	case SignalTypeEndCall:
		return EndCall{}, nil
	case SignalTypeOffer:
		if env.Offer == nil {
			return nil, fmt.Errorf("offer message without offer")
		}
		return Offer{Offer: *env.Offer}, nil
	case SignalTypeAnswer:
		if env.Answer == nil {
			return nil, fmt.Errorf("answer message without answer")
		}
		return Answer{Answer: *env.Answer}, nil
	case SignalTypeICE:
		if env.Candidate == nil {
			return nil, fmt.Errorf("ice message without candidate")
		}
		return ICE{Candidate: *env.Candidate}, nil
	case SignalTypeAIStatus:
		status := AIStatus{UserID: env.UserID}
		if env.Enabled != nil {
			status.Enabled = *env.Enabled
		}
		return status, nil
	default:
		return nil, fmt.Errorf("unknown signal type %q", env.Type)
	}
}

// PeekSignalType reads only the discriminator. The relay uses it to validate
// messages it forwards untouched.
func PeekSignalType(data []byte) (SignalType, error) {
	var head struct {
		Type SignalType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", err
	}
	return head.Type, nil
}
