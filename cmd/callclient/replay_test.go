package main

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mossy-p/call-orchestrator/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDetections(t *testing.T) {
	in := `[[{"x":0.1,"y":0.2},{"x":0.3,"y":0.4}]]

[]
[[{"x":1,"y":1}],[{"x":0,"y":0}]]
`
	got, err := parseDetections(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, models.Hand{{X: 0.1, Y: 0.2}, {X: 0.3, Y: 0.4}}, got[0][0])
	assert.Empty(t, got[1])
	assert.Len(t, got[2], 2)
}

func TestParseDetectionsReportsLine(t *testing.T) {
	_, err := parseDetections(strings.NewReader("[]\n{oops\n"))
	assert.ErrorContains(t, err, "line 2")
}

type countingSink struct {
	mu    sync.Mutex
	calls int
}

func (s *countingSink) OnDetection([]models.Hand) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
}

func (s *countingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestReplayLoopsUntilDone(t *testing.T) {
	sink := &countingSink{}
	done := make(chan struct{})
	finished := make(chan struct{})

	go func() {
		replay(sink, [][]models.Hand{{}, {}}, 200, done, logrus.NewEntry(logrus.New()))
		close(finished)
	}()

	require.Eventually(t, func() bool { return sink.count() > 4 }, time.Second, 5*time.Millisecond)
	close(done)
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("replay did not stop")
	}
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "b", firstNonEmpty("", "b", "c"))
	assert.Equal(t, "", firstNonEmpty("", ""))
}
