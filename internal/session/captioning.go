package session

import (
	"errors"
	"fmt"

	"github.com/mossy-p/call-orchestrator/internal/inference"
	"github.com/mossy-p/call-orchestrator/internal/models"
)

// errInferenceClosed marks a captioning channel closed by the far end.
var errInferenceClosed = errors.New("inference channel closed")

// captioning is the resource the arbitrator switches: the inference channel
// plus the landmark producer.
type captioning struct{ s *Session }

func (c captioning) Start() {
	c.s.pipeline.StartProducer()
	c.s.openInference()
}

func (c captioning) Stop() {
	c.s.pipeline.StopProducer()
	c.s.closeInference()
	c.s.pipeline.Clear()
}

// openInference dials off the loop. Each attempt carries a generation so a
// dial or close that completes after the feature moved on is discarded.
func (s *Session) openInference() {
	if s.deps.DialInference == nil {
		s.ai.Fail(fmt.Errorf("no inference endpoint configured"))
		return
	}

	s.inferenceGen++
	gen := s.inferenceGen
	ctx := s.ctx

	// closedEarly is only touched on the loop. It records a close that
	// arrived before the dial result was installed.
	var closedEarly error

	go func() {
		ch, err := s.deps.DialInference(ctx, inference.Handler{
			OnResult: func(r models.CaptionResult) {
				s.post(func() {
					if gen == s.inferenceGen {
						s.pipeline.OnCaption(r)
					}
				})
			},
			OnClose: func(err error) {
				s.post(func() {
					if gen != s.inferenceGen {
						return
					}
					if err == nil {
						err = errInferenceClosed
					}
					if s.inference == nil {
						closedEarly = err
						return
					}
					s.inference = nil
					s.pipeline.SetSink(nil)
					s.ai.Fail(err)
				})
			},
		})

		opened := func() {
			if err != nil {
				if gen == s.inferenceGen {
					s.ai.Fail(err)
				}
				return
			}
			if gen != s.inferenceGen || s.status.Terminal() {
				ch.Close()
				return
			}
			if closedEarly == nil && !ch.IsOpen() {
				closedEarly = errInferenceClosed
			}
			if closedEarly != nil {
				ch.Close()
				s.ai.Fail(closedEarly)
				return
			}
			s.inference = ch
			s.pipeline.SetSink(ch)
			s.ai.Ready()
		}

		select {
		case s.events <- opened:
		case <-s.done:
			if ch != nil {
				ch.Close()
			}
		}
	}()
}

func (s *Session) closeInference() {
	s.inferenceGen++
	s.pipeline.SetSink(nil)
	if s.inference == nil {
		return
	}
	if err := s.inference.Close(); err != nil {
		s.log.WithError(err).Debug("Failed to close inference channel")
	}
	s.inference = nil
}
