package rtc

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/h264writer"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

var errUnsupportedCodec = errors.New("unsupported codec for recording")

type mediaWriter interface {
	WriteRTP(pkt *rtp.Packet) error
	Close() error
}

// recorder writes the packets of one remote track into a container file.
type recorder struct {
	path string

	mu     sync.Mutex
	w      mediaWriter
	closed bool
	failed bool
}

func newRecorder(dir, trackID string, codec webrtc.RTPCodecCapability) (*recorder, error) {
	var ext string
	switch {
	case strings.EqualFold(codec.MimeType, webrtc.MimeTypeVP8):
		ext = ".ivf"
	case strings.EqualFold(codec.MimeType, webrtc.MimeTypeH264):
		ext = ".h264"
	case strings.EqualFold(codec.MimeType, webrtc.MimeTypeOpus):
		ext = ".ogg"
	default:
		return nil, errUnsupportedCodec
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create record directory: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%s%s", time.Now().UTC().Format("20060102T150405"), fileSafe(trackID), ext))

	var (
		w   mediaWriter
		err error
	)
	switch ext {
	case ".ivf":
		w, err = ivfwriter.New(path)
	case ".h264":
		w, err = h264writer.New(path)
	case ".ogg":
		channels := codec.Channels
		if channels == 0 {
			channels = 2
		}
		w, err = oggwriter.New(path, codec.ClockRate, channels)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &recorder{path: path, w: w}, nil
}

// write stores pkt. The first write error disables the recorder.
func (r *recorder) write(pkt *rtp.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.failed {
		return
	}
	if err := r.w.WriteRTP(pkt); err != nil {
		r.failed = true
	}
}

func (r *recorder) close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.w.Close()
}

func fileSafe(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			b.WriteRune(c)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "track"
	}
	return b.String()
}
