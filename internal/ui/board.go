// Package ui holds the presentation model of the control page and pushes it
// to connected browsers over websockets.
package ui

import (
	"sync"
	"time"
)

// Connection labels shown on the page.
const (
	LabelConnecting = "Connecting…"
	LabelConnected  = "Connected"
)

const maxTranscript = 500

// Role identifies who a transcript line belongs to.
type Role string

// Transcript roles.
const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Line is one transcript entry.
type Line struct {
	Role Role      `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Snapshot is everything the page renders.
type Snapshot struct {
	Version uint64 `json:"version"`

	AgentName         string `json:"agentName"`
	DisconnectedTitle string `json:"disconnectedTitle"`
	Thumbnail         string `json:"thumbnail,omitempty"`
	IdleVideo         string `json:"idleVideo,omitempty"`
	Fluent            bool   `json:"fluent"`

	ConnectionLabel  string `json:"connectionLabel"`
	ControlsEnabled  bool   `json:"controlsEnabled"`
	ActionVisible    bool   `json:"actionVisible"`
	SpeechVisible    bool   `json:"speechVisible"`
	InterruptVisible bool   `json:"interruptVisible"`

	PanelVisible        bool `json:"panelVisible"`
	DisconnectedVisible bool `json:"disconnectedVisible"`

	StreamAttached bool    `json:"streamAttached"`
	StreamMuted    bool    `json:"streamMuted"`
	IdleOpacity    float64 `json:"idleOpacity"`
	StreamOpacity  float64 `json:"streamOpacity"`

	Transcript []Line `json:"transcript"`
}

// Publisher receives every new snapshot.
type Publisher interface {
	Publish(s Snapshot)
}

// Board is the mutable presentation model. Every mutation publishes a copy.
type Board struct {
	mu   sync.Mutex
	snap Snapshot
	pub  Publisher
	now  func() time.Time
}

// NewBoard creates a board in its page-load state. pub may be nil.
func NewBoard(pub Publisher) *Board {
	return &Board{
		pub: pub,
		now: time.Now,
		snap: Snapshot{
			ActionVisible: true,
			SpeechVisible: true,
			PanelVisible:  true,
			IdleOpacity:   1,
			StreamMuted:   true,
		},
	}
}

// Snapshot returns a copy of the current state.
func (b *Board) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.copyLocked()
}

func (b *Board) copyLocked() Snapshot {
	s := b.snap
	s.Transcript = append([]Line(nil), b.snap.Transcript...)
	return s
}

func (b *Board) update(fn func(s *Snapshot)) {
	b.mu.Lock()
	fn(&b.snap)
	b.snap.Version++
	s := b.copyLocked()
	b.mu.Unlock()

	if b.pub != nil {
		b.pub.Publish(s)
	}
}

// Connecting shows the main panel with the connecting label and disabled controls.
func (b *Board) Connecting() {
	b.update(func(s *Snapshot) {
		s.DisconnectedVisible = false
		s.PanelVisible = true
		s.ConnectionLabel = LabelConnecting
		s.ControlsEnabled = false
	})
}

// SetAgent shows the agent's display name.
func (b *Board) SetAgent(name string) {
	b.update(func(s *Snapshot) {
		s.AgentName = name
		s.DisconnectedTitle = name + " Disconnected"
	})
}

// SetIdleVisuals sets the background image and idle clip of talk avatars.
func (b *Board) SetIdleVisuals(thumbnail, idleVideo string) {
	b.update(func(s *Snapshot) {
		s.Thumbnail = thumbnail
		s.IdleVideo = idleVideo
	})
}

// SetMode records whether the stream is fluent.
func (b *Board) SetMode(fluent bool) {
	b.update(func(s *Snapshot) { s.Fluent = fluent })
}

// SetLabel sets the connection label.
func (b *Board) SetLabel(label string) {
	b.update(func(s *Snapshot) { s.ConnectionLabel = label })
}

// DisableControls disables the action and speech controls.
func (b *Board) DisableControls() {
	b.update(func(s *Snapshot) { s.ControlsEnabled = false })
}

// Ready shows the connected label and enables the controls.
func (b *Board) Ready() {
	b.update(func(s *Snapshot) {
		s.ConnectionLabel = LabelConnected
		s.ControlsEnabled = true
	})
}

// ShowDisconnected swaps the main panel for the disconnected panel.
func (b *Board) ShowDisconnected() {
	b.update(func(s *Snapshot) {
		s.DisconnectedVisible = true
		s.PanelVisible = false
		s.ControlsEnabled = false
	})
}

// AttachStream binds the remote media to the stream element.
func (b *Board) AttachStream(muted bool) {
	b.update(func(s *Snapshot) {
		s.StreamAttached = true
		s.StreamMuted = muted
	})
}

// DetachStream unbinds the remote media.
func (b *Board) DetachStream() {
	b.update(func(s *Snapshot) {
		s.StreamAttached = false
		s.StreamMuted = true
	})
}

// ApplyPlayback reconciles the video elements and controls with the playing
// state of the stream.
func (b *Board) ApplyPlayback(fluent, playing, ready bool) {
	b.update(func(s *Snapshot) {
		if !fluent {
			var stream float64
			if playing && ready {
				stream = 1
			}
			s.StreamOpacity = stream
			s.IdleOpacity = 1 - stream
			if playing && s.StreamAttached {
				s.StreamMuted = !ready
			}
			if ready {
				s.ConnectionLabel = LabelConnected
				s.ControlsEnabled = true
			}
			return
		}

		s.IdleOpacity = 0
		s.StreamOpacity = 1
		s.StreamMuted = false
		if playing && ready {
			s.ConnectionLabel = LabelConnected
			s.ControlsEnabled = true
		} else {
			s.ConnectionLabel = ""
			s.ControlsEnabled = false
		}
	})
}

// ShowInterrupt replaces the action controls with the interrupt control.
func (b *Board) ShowInterrupt() {
	b.update(func(s *Snapshot) {
		s.InterruptVisible = true
		s.ActionVisible = false
		s.SpeechVisible = false
	})
}

// HideInterrupt restores the action controls.
func (b *Board) HideInterrupt() {
	b.update(func(s *Snapshot) {
		s.InterruptVisible = false
		s.ActionVisible = true
		s.SpeechVisible = true
	})
}

// AppendLine adds a transcript line. The oldest lines are dropped past a fixed bound.
func (b *Board) AppendLine(role Role, text string) {
	at := b.now()
	b.update(func(s *Snapshot) {
		s.Transcript = append(s.Transcript, Line{Role: role, Text: text, At: at})
		if n := len(s.Transcript); n > maxTranscript {
			s.Transcript = append([]Line(nil), s.Transcript[n-maxTranscript:]...)
		}
	})
}
