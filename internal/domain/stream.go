package domain

// StreamSession identifies one end-to-end connection to the remote avatar service.
type StreamSession struct {
	AgentID   string `json:"agent_id"`
	ChatID    string `json:"chat_id"`
	StreamID  string `json:"stream_id"`
	SessionID string `json:"session_id"`
	Fluent    bool   `json:"fluent"`
}

// HasStream returns true once a stream session has been created.
func (s *StreamSession) HasStream() bool {
	return s.StreamID != "" && s.SessionID != ""
}
