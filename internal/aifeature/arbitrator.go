// Package aifeature arbitrates the captioning feature between the two
// participants of a call. There is no lock server: each side broadcasts its
// ai_status over signaling and the most recently observed remote enable wins.
package aifeature

import (
	"github.com/mossy-p/call-orchestrator/internal/models"
	"github.com/sirupsen/logrus"
)

// State is what the renderer shows for the feature.
type State struct {
	Enabled   bool `json:"enabled"`
	CanEnable bool `json:"can_enable"`
	Loading   bool `json:"loading"`
}

// Broadcaster delivers ai_status to the other participant, best effort.
type Broadcaster interface {
	Send(msg models.SignalMessage) bool
}

// Feature is the resource being arbitrated. Start opens the inference
// channel and starts the landmark producer; Stop closes the channel, stops
// the producer and clears captions.
type Feature interface {
	Start()
	Stop()
}

// Arbitrator is not safe for concurrent use; it lives on the session loop.
type Arbitrator struct {
	userID  string
	signal  Broadcaster
	feature Feature
	log     *logrus.Entry

	state State
}

func New(userID string, signal Broadcaster, feature Feature, log *logrus.Entry) *Arbitrator {
	return &Arbitrator{
		userID:  userID,
		signal:  signal,
		feature: feature,
		log:     log.WithField("component", "ai"),
		state:   State{CanEnable: true},
	}
}

// State returns a copy of the current state.
func (a *Arbitrator) State() State { return a.state }

// Toggle flips the feature, or moves it to *requested when given. Any toggle
// that would enable is a no-op while the remote participant holds the feature.
func (a *Arbitrator) Toggle(requested *bool) {
	want := !a.state.Enabled
	if requested != nil {
		want = *requested
	}

	if want && !a.state.CanEnable {
		a.log.Info("Captioning held by remote participant, enable ignored")
		return
	}
	if want == a.state.Enabled {
		return
	}

	if want {
		a.enable()
	} else {
		a.disable("local toggle")
	}
}

// HandleRemoteStatus applies an ai_status broadcast. Our own echoes are
// ignored. A remote enable while we are enabled forces us off.
func (a *Arbitrator) HandleRemoteStatus(msg models.AIStatus) {
	if msg.UserID == a.userID {
		return
	}

	a.state.CanEnable = !msg.Enabled
	if msg.Enabled && a.state.Enabled {
		a.disable("remote participant enabled captioning")
	}
}

// Ready marks the inference channel as open.
func (a *Arbitrator) Ready() {
	if a.state.Enabled {
		a.state.Loading = false
	}
}

// Fail handles an inference channel error: the feature is forced off and
// not retried.
func (a *Arbitrator) Fail(err error) {
	if !a.state.Enabled {
		return
	}
	a.log.WithError(err).Warn("Inference channel failed")
	a.disable("inference channel error")
}

// Shutdown stops the feature without broadcasting; used during call cleanup
// when the signaling channel is going away.
func (a *Arbitrator) Shutdown() {
	if !a.state.Enabled && !a.state.Loading {
		return
	}
	a.state.Enabled = false
	a.state.Loading = false
	a.feature.Stop()
}

// enable announces before starting: Start may fail synchronously, and the
// disable it triggers must be the last status the peer sees.
func (a *Arbitrator) enable() {
	a.state.Enabled = true
	a.state.Loading = true
	a.signal.Send(models.AIStatus{UserID: a.userID, Enabled: true})
	a.feature.Start()
	if a.state.Enabled {
		a.log.Info("Captioning enabled")
	}
}

func (a *Arbitrator) disable(reason string) {
	a.state.Enabled = false
	a.state.Loading = false
	a.feature.Stop()
	a.signal.Send(models.AIStatus{UserID: a.userID, Enabled: false})
	a.log.WithField("reason", reason).Info("Captioning disabled")
}
