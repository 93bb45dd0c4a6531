package session

import (
	"encoding/json"
	"net/url"
	"regexp"
	"strings"
)

// Kind tags a decoded data channel message.
type Kind int

// Data channel message kinds.
const (
	Unrecognized Kind = iota
	AnswerReceived
	GenerationStarted
	GenerationDone
)

func (k Kind) String() string {
	switch k {
	case AnswerReceived:
		return "chat/answer"
	case GenerationStarted:
		return "stream/started"
	case GenerationDone:
		return "stream/done"
	default:
		return "unrecognized"
	}
}

const answerPrefix = "chat/answer:"

var jsonObject = regexp.MustCompile(`\{.*\}`)

// Message is a decoded data channel message. Text is set for AnswerReceived,
// VideoID for GenerationStarted when the payload carries one.
type Message struct {
	Kind    Kind
	Text    string
	VideoID string
}

type startedPayload struct {
	Metadata struct {
		VideoID string `json:"videoId"`
	} `json:"metadata"`
}

// ParseMessage decodes a raw data channel message.
func ParseMessage(raw string) Message {
	switch {
	case strings.Contains(raw, "chat/answer"):
		text := strings.Replace(raw, answerPrefix, "", 1)
		if decoded, err := url.PathUnescape(text); err == nil {
			text = decoded
		}
		return Message{Kind: AnswerReceived, Text: text}

	case strings.Contains(raw, "stream/started"):
		msg := Message{Kind: GenerationStarted}
		if obj := jsonObject.FindString(raw); obj != "" {
			var p startedPayload
			if err := json.Unmarshal([]byte(obj), &p); err == nil {
				msg.VideoID = p.Metadata.VideoID
			}
		}
		return msg

	case strings.Contains(raw, "stream/done"):
		return Message{Kind: GenerationDone}
	}
	return Message{Kind: Unrecognized}
}

type interruptMessage struct {
	Type      string `json:"type"`
	VideoID   string `json:"videoId"`
	Timestamp int64  `json:"timestamp"`
}
