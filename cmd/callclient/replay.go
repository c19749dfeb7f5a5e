package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mossy-p/call-orchestrator/internal/models"
	"github.com/sirupsen/logrus"
)

// detectionSink is fed one extractor result at a time.
type detectionSink interface {
	OnDetection(hands []models.Hand)
}

// readDetections loads a JSON-lines file where each line is the hands seen
// in one camera frame, e.g. [[{"x":0.1,"y":0.2},...]]. An empty array is a
// frame with no hands.
func readDetections(path string) ([][]models.Hand, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseDetections(f)
}

func parseDetections(r io.Reader) ([][]models.Hand, error) {
	var out [][]models.Hand
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	for line := 1; sc.Scan(); line++ {
		data := bytes.TrimSpace(sc.Bytes())
		if len(data) == 0 {
			continue
		}
		var hands []models.Hand
		if err := json.Unmarshal(data, &hands); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, hands)
	}
	return out, sc.Err()
}

// replay feeds detections to sink at fps, looping, until done closes.
func replay(sink detectionSink, detections [][]models.Hand, fps int, done <-chan struct{}, log *logrus.Entry) {
	if fps <= 0 {
		fps = 30
	}
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	log.WithFields(logrus.Fields{"frames": len(detections), "fps": fps}).Debug("Replaying detections")
	for i := 0; ; i = (i + 1) % len(detections) {
		select {
		case <-done:
			return
		case <-ticker.C:
			sink.OnDetection(detections[i])
		}
	}
}
