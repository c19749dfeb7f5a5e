package models

// InferenceType discriminates messages on the captioning channel.
type InferenceType string

const (
	InferenceTypeHandLandmarks InferenceType = "hand_landmarks"
	InferenceTypeAIResult      InferenceType = "ai_result"
)

// Point is one normalized 2D keypoint.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Hand is the ordered keypoints of one detected hand.
type Hand []Point

// LandmarkFrame is one sampled detection sent for inference. It is not
// retained after sending.
type LandmarkFrame struct {
	FrameID     uint64
	RoomID      string
	Landmarks   []Hand
	TimestampMs int64
}

// HandLandmarksMessage is the outbound wire form of a LandmarkFrame.
type HandLandmarksMessage struct {
	Type      InferenceType `json:"type"`
	RoomID    string        `json:"room_id"`
	FrameID   uint64        `json:"frame_id"`
	Landmarks []Hand        `json:"landmarks"`
	Timestamp int64         `json:"timestamp"`
}

// NewHandLandmarksMessage wraps f for the wire.
func NewHandLandmarksMessage(f LandmarkFrame) HandLandmarksMessage {
	return HandLandmarksMessage{
		Type:      InferenceTypeHandLandmarks,
		RoomID:    f.RoomID,
		FrameID:   f.FrameID,
		Landmarks: f.Landmarks,
		Timestamp: f.TimestampMs,
	}
}

// AIResultMessage is the inbound wire form of a caption.
type AIResultMessage struct {
	Type      InferenceType `json:"type"`
	RoomID    string        `json:"room_id"`
	FrameID   uint64        `json:"frame_id"`
	Text      string        `json:"text"`
	Score     float64       `json:"score"`
	Timestamp int64         `json:"timestamp"`
}

// CaptionResult is one caption returned by the inference collaborator.
type CaptionResult struct {
	FrameID     uint64  `json:"frame_id"`
	Text        string  `json:"text"`
	Score       float64 `json:"score"`
	TimestampMs int64   `json:"timestamp"`
}

// Caption converts the wire message, clamping score into [0,1].
func (m AIResultMessage) Caption() CaptionResult {
	score := m.Score
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return CaptionResult{
		FrameID:     m.FrameID,
		Text:        m.Text,
		Score:       score,
		TimestampMs: m.Timestamp,
	}
}
