package models

import "strings"

// Emotion 发言情绪
type Emotion string

const (
	EmotionNeutral    Emotion = "neutral"
	EmotionSuspicious Emotion = "suspicious"
	EmotionDefensive  Emotion = "defensive"
	EmotionAggressive Emotion = "aggressive"
	EmotionConfident  Emotion = "confident"
	EmotionNervous    Emotion = "nervous"
	EmotionCalm       Emotion = "calm"
)

var emotions = []Emotion{
	EmotionNeutral,
	EmotionSuspicious,
	EmotionDefensive,
	EmotionAggressive,
	EmotionConfident,
	EmotionNervous,
	EmotionCalm,
}

// Emotions lists the accepted emotion values.
func Emotions() []Emotion {
	return append([]Emotion(nil), emotions...)
}

// ParseEmotion normalizes s to a known emotion.
func ParseEmotion(s string) (Emotion, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, e := range emotions {
		if string(e) == s {
			return e, true
		}
	}
	return EmotionNeutral, false
}

// Decision is the flat object a model returns for an action or speech request.
type Decision struct {
	Target     string  `json:"target,omitempty"`
	Reasoning  string  `json:"reasoning,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Message    string  `json:"message,omitempty"`
	Emotion    Emotion `json:"emotion,omitempty"`
}

// Decision field names as they appear on the wire.
const (
	FieldTarget     = "target"
	FieldReasoning  = "reasoning"
	FieldConfidence = "confidence"
	FieldMessage    = "message"
	FieldEmotion    = "emotion"
)

// DecisionFields lists every wire field in a stable order.
var DecisionFields = []string{FieldTarget, FieldReasoning, FieldConfidence, FieldMessage, FieldEmotion}
