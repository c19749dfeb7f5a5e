package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/call-orchestrator/config"
	"github.com/mossy-p/call-orchestrator/internal/api"
	"github.com/mossy-p/call-orchestrator/internal/inference"
	"github.com/mossy-p/call-orchestrator/internal/media"
	"github.com/mossy-p/call-orchestrator/internal/models"
	"github.com/mossy-p/call-orchestrator/internal/peer"
	"github.com/mossy-p/call-orchestrator/internal/session"
	"github.com/mossy-p/call-orchestrator/internal/signaling"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type joinOptions struct {
	room       string
	user       string
	token      string
	ai         bool
	landmarks  string
	fps        int
	audio      bool
	video      bool
	navigateTo string
}

func newJoinCmd() *cobra.Command {
	opts := joinOptions{}

	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a call room and stay until the call ends",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJoin(cmd.Context(), config.LoadClient(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.room, "room", "", "call room id")
	f.StringVar(&opts.user, "user", "", "user id (default CALL_USER_ID or a random id)")
	f.StringVar(&opts.token, "token", "", "bearer token (default CALL_TOKEN)")
	f.BoolVar(&opts.ai, "ai", false, "enable captioning once connected")
	f.StringVar(&opts.landmarks, "landmarks", "", "JSON-lines file of hand detections to replay")
	f.IntVar(&opts.fps, "fps", 30, "replay rate of the landmarks file")
	f.BoolVar(&opts.audio, "audio", true, "send an audio track")
	f.BoolVar(&opts.video, "video", true, "send a video track")
	f.StringVar(&opts.navigateTo, "navigate-to", "/", "where to go once the call is over")
	cmd.MarkFlagRequired("room")
	return cmd
}

// logNavigator stands in for page navigation in a headless client.
type logNavigator struct{}

func (logNavigator) Navigate(target string) {
	logrus.WithField("target", target).Info("Leaving call")
}

func runJoin(ctx context.Context, cfg *config.ClientConfig, opts joinOptions) error {
	userID := firstNonEmpty(opts.user, cfg.UserID, uuid.New().String())
	token := firstNonEmpty(opts.token, cfg.Token)
	log := logrus.WithFields(logrus.Fields{"room_id": opts.room, "user_id": userID})

	var detections [][]models.Hand
	if opts.landmarks != "" {
		var err error
		if detections, err = readDetections(opts.landmarks); err != nil {
			return fmt.Errorf("read landmarks: %w", err)
		}
	}

	wsScheme := cfg.WebSocketScheme()
	var sess *session.Session
	sess = session.New(session.Config{
		RoomID:     opts.room,
		UserID:     userID,
		OfferDelay: cfg.OfferDelay,
		NavigateTo: opts.navigateTo,
	}, session.Deps{
		Signaling: signaling.New(wsScheme, cfg.SignalingHost),
		Transport: peer.NewPionFactory(cfg.ICEServers),
		Media: media.StaticSource{
			StreamID: userID,
			Audio:    opts.audio,
			Video:    opts.video,
		},
		DialInference: func(ctx context.Context, h inference.Handler) (session.InferenceChannel, error) {
			c, err := inference.Dial(ctx, wsScheme, cfg.InferenceHost, opts.room, token, h)
			if err != nil {
				return nil, err
			}
			return c, nil
		},
		Reporter:  api.NewClient(cfg.HTTPScheme()+"://"+cfg.SignalingHost, token),
		Navigator: logNavigator{},
		OnStatusChange: func(st session.Status) {
			if st == session.StatusConnected && opts.ai {
				enabled := true
				go sess.ToggleAI(&enabled)
			}
		},
		OnRemoteTrack: func(track *webrtc.TrackRemote) {
			log.WithField("kind", track.Kind().String()).Info("Receiving remote media")
		},
	})
	if err := sess.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if len(detections) > 0 {
		go replay(sess, detections, opts.fps, sess.Done(), log)
	}

	status := time.NewTicker(5 * time.Second)
	defer status.Stop()

	for {
		select {
		case <-sigCh:
			log.Info("Hanging up")
			sess.Hangup()
		case <-status.C:
			snap := sess.Snapshot()
			entry := log.WithFields(logrus.Fields{
				"status":   snap.Status.String(),
				"duration": snap.ConnectedDurationSeconds,
				"ai":       snap.AI.Enabled,
			})
			if snap.Caption != nil {
				entry = entry.WithField("caption", snap.Caption.Text)
			}
			entry.Info("Call status")
		case <-sess.Done():
			if st := sess.Snapshot().Status; st != session.StatusEnded {
				return fmt.Errorf("call finished as %s", st)
			}
			return nil
		}
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
