// Package rtc owns the WebRTC peer connection to the avatar stream.
package rtc

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/avatarlink/avatarlink/internal/didapi"
)

// DataChannelLabel is the label the remote service expects.
const DataChannelLabel = "JanusDataChannel"

// ErrChannelNotOpen is returned by Send before the data channel opens.
var ErrChannelNotOpen = errors.New("data channel is not open")

// Handlers receive peer connection events. Any of them may be nil. They are
// called from pion goroutines.
type Handlers struct {
	// OnICECandidate receives each local candidate, then nil once gathering ends.
	OnICECandidate func(c *didapi.ICECandidate)
	OnStateChange  func(state string)
	OnTrack        func(trackID, kind string)
	OnMessage      func(msg string)
}

// Peer is the answering side of one connect attempt.
type Peer struct {
	pc        *webrtc.PeerConnection
	dc        *webrtc.DataChannel
	handlers  Handlers
	logger    *slog.Logger
	recordDir string
	settings  *webrtc.SettingEngine

	mu        sync.Mutex
	received  map[string]*inbound // by remote track id
	recorders []*recorder
	stopped   bool

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// inbound is one remote track being drained.
type inbound struct {
	ssrc  webrtc.SSRC
	kind  webrtc.RTPCodecType
	bytes atomic.Uint64 // payload bytes read so far
}

// Option configures a Peer.
type Option func(*Peer)

// WithRecordDir writes every supported remote track below dir.
func WithRecordDir(dir string) Option {
	return func(p *Peer) { p.recordDir = dir }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Peer) { p.logger = logger }
}

// WithSettingEngine creates the connection with custom ICE and transport settings.
func WithSettingEngine(se webrtc.SettingEngine) Option {
	return func(p *Peer) { p.settings = &se }
}

// New creates the peer connection and its data channel. The channel exists
// before any SDP is exchanged.
func New(servers []didapi.ICEServer, h Handlers, opts ...Option) (*Peer, error) {
	p := &Peer{
		handlers: h,
		logger:   slog.Default(),
		received: make(map[string]*inbound),
	}
	for _, opt := range opts {
		opt(p)
	}

	var apiOpts []func(*webrtc.API)
	if p.settings != nil {
		apiOpts = append(apiOpts, webrtc.WithSettingEngine(*p.settings))
	}
	pc, err := webrtc.NewAPI(apiOpts...).NewPeerConnection(webrtc.Configuration{ICEServers: iceServers(servers)})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	p.pc = pc

	dc, err := pc.CreateDataChannel(DataChannelLabel, nil)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	p.dc = dc

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if h.OnMessage != nil {
			h.OnMessage(string(msg.Data))
		}
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if h.OnICECandidate == nil {
			return
		}
		if c == nil {
			h.OnICECandidate(nil)
			return
		}
		init := c.ToJSON()
		h.OnICECandidate(&didapi.ICECandidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.logger.Debug("Peer connection state changed", "state", s.String())
		if h.OnStateChange != nil {
			h.OnStateChange(s.String())
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.logger.Info("Remote track received",
			"track_id", track.ID(),
			"kind", track.Kind().String(),
			"codec", track.Codec().MimeType)
		p.consume(track)
		if h.OnTrack != nil {
			h.OnTrack(track.ID(), track.Kind().String())
		}
	})

	return p, nil
}

// Answer applies the remote offer and returns the local answer, which is also
// set as the local description.
func (p *Peer) Answer(offer didapi.SessionDescription) (didapi.SessionDescription, error) {
	sdpType := webrtc.SDPTypeOffer
	if offer.Type != "" {
		sdpType = webrtc.NewSDPType(offer.Type)
	}
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: offer.SDP}); err != nil {
		return didapi.SessionDescription{}, fmt.Errorf("set remote description: %w", err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return didapi.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return didapi.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return didapi.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

// Send writes a text message on the data channel.
func (p *Peer) Send(msg string) error {
	if p.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrChannelNotOpen
	}
	return p.dc.SendText(msg)
}

// State returns the aggregate connection state, e.g. "connected".
func (p *Peer) State() string {
	return p.pc.ConnectionState().String()
}

// Closed reports whether the connection has been closed.
func (p *Peer) Closed() bool {
	return p.closed.Load() || p.pc.ConnectionState() == webrtc.PeerConnectionStateClosed
}

// InboundVideoBytes returns the payload bytes received so far on a remote
// video track. pion's inbound-rtp report for the track's SSRC is preferred;
// until it has counted a packet the bytes read while draining are used.
func (p *Peer) InboundVideoBytes(trackID string) (uint64, bool) {
	p.mu.Lock()
	in, ok := p.received[trackID]
	p.mu.Unlock()
	if !ok || in.kind != webrtc.RTPCodecTypeVideo {
		return 0, false
	}

	for _, s := range p.pc.GetStats() {
		st, ok := s.(webrtc.InboundRTPStreamStats)
		if ok && st.SSRC == in.ssrc && st.PacketsReceived > 0 {
			return st.BytesReceived, true
		}
	}
	return in.bytes.Load(), true
}

// StopMedia stops recording remote tracks. Tracks keep draining until Close.
func (p *Peer) StopMedia() {
	p.mu.Lock()
	recs := p.recorders
	p.recorders = nil
	p.stopped = true
	p.mu.Unlock()

	for _, r := range recs {
		if err := r.close(); err != nil {
			p.logger.Warn("Failed to close recording", "path", r.path, "error", err)
		}
	}
}

// Close stops media and closes the connection. It is idempotent.
func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.StopMedia()
		if err := p.pc.Close(); err != nil {
			p.closeErr = fmt.Errorf("close peer connection: %w", err)
		}
	})
	return p.closeErr
}

func (p *Peer) consume(track *webrtc.TrackRemote) {
	in := &inbound{ssrc: track.SSRC(), kind: track.Kind()}

	p.mu.Lock()
	p.received[track.ID()] = in
	var rec *recorder
	if p.recordDir != "" && !p.stopped {
		r, err := newRecorder(p.recordDir, track.ID(), track.Codec().RTPCodecCapability)
		switch {
		case errors.Is(err, errUnsupportedCodec):
			p.logger.Debug("Not recording track", "track_id", track.ID(), "codec", track.Codec().MimeType)
		case err != nil:
			p.logger.Warn("Failed to start recording", "track_id", track.ID(), "error", err)
		default:
			rec = r
			p.recorders = append(p.recorders, r)
			p.logger.Info("Recording remote track", "track_id", track.ID(), "path", r.path)
		}
	}
	p.mu.Unlock()

	go func() {
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				return
			}
			in.bytes.Add(uint64(len(pkt.Payload)))
			if rec != nil {
				rec.write(pkt)
			}
		}
	}()
}

func iceServers(servers []didapi.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		if len(s.URLs) == 0 {
			continue
		}
		server := webrtc.ICEServer{
			URLs:     append([]string(nil), s.URLs...),
			Username: s.Username,
		}
		if s.Credential != "" {
			server.Credential = s.Credential
		}
		out = append(out, server)
	}
	return out
}
