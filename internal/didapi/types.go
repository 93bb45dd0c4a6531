package didapi

import (
	"encoding/json"
	"fmt"
)

// Agent is the subset of the agent resource used to set up a session.
type Agent struct {
	ID          string    `json:"id"`
	PreviewName string    `json:"preview_name"`
	Presenter   Presenter `json:"presenter"`
}

// Presenter holds the idle visuals shown while no clip is playing.
type Presenter struct {
	Thumbnail string `json:"thumbnail"`
	IdleVideo string `json:"idle_video"`
}

// Chat is a created chat session.
type Chat struct {
	ID string `json:"id"`
}

// StreamOptions are sent when creating a stream session.
type StreamOptions struct {
	CompatibilityMode string `json:"compatibility_mode"`
	Fluent            bool   `json:"fluent"`
}

// Stream is a created stream session with the remote SDP offer.
type Stream struct {
	ID         string             `json:"id"`
	SessionID  string             `json:"session_id"`
	Offer      SessionDescription `json:"offer"`
	ICEServers []ICEServer        `json:"ice_servers"`
	Fluent     bool               `json:"fluent"`
}

// SessionDescription is an SDP offer or answer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICEServer describes a STUN or TURN server.
type ICEServer struct {
	URLs       URLList `json:"urls"`
	Username   string  `json:"username,omitempty"`
	Credential string  `json:"credential,omitempty"`
}

// URLList accepts either a single URL string or an array of URLs.
type URLList []string

// UnmarshalJSON implements json.Unmarshaler.
func (u *URLList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*u = URLList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("ice server urls: %w", err)
	}
	*u = many
	return nil
}

// ICECandidate is a local candidate forwarded to the remote service.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex"`
}

// ChatMessage is one entry of a chat request.
type ChatMessage struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

type iceRequest struct {
	SessionID     string  `json:"session_id"`
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

type answerRequest struct {
	Answer    SessionDescription `json:"answer"`
	SessionID string             `json:"session_id"`
}

type chatRequest struct {
	Messages  []ChatMessage `json:"messages"`
	StreamID  string        `json:"streamId"`
	SessionID string        `json:"sessionId"`
}

type script struct {
	Type  string `json:"type"`
	Input string `json:"input"`
}

type speakRequest struct {
	Script    script `json:"script"`
	SessionID string `json:"session_id"`
}

type deleteRequest struct {
	SessionID string `json:"session_id"`
}
