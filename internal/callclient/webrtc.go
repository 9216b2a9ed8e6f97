package callclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/zap"

	"voicelink-backend/pkg/logger"
)

// CaptureSource yields encoded audio samples from the local microphone.
// NextSample blocks until a sample is ready. Close releases the device.
type CaptureSource interface {
	NextSample() (media.Sample, error)
	Close() error
}

// ErrNoCaptureDevice is returned when no microphone source is available.
var ErrNoCaptureDevice = errors.New("no audio capture device available")

// WebRTCMedia is the pion-backed Media implementation.
type WebRTCMedia struct {
	config webrtc.Configuration
	source CaptureSource

	// onCandidate receives locally gathered ICE candidates for relay to
	// the peer. onDegraded fires when the connection degrades.
	onCandidate func(candidate string)
	onDegraded  func()

	mu       sync.Mutex
	pc       *webrtc.PeerConnection
	track    *webrtc.TrackLocalStaticSample
	feedStop chan struct{}
	closed   bool
}

// NewWebRTCMedia builds the media path. source may be nil, in which case
// AcquireMic fails and the state machine runs its capture retry loop.
func NewWebRTCMedia(iceServers []string, source CaptureSource, onCandidate func(string), onDegraded func()) *WebRTCMedia {
	servers := []webrtc.ICEServer{}
	if len(iceServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: iceServers})
	}
	return &WebRTCMedia{
		config: webrtc.Configuration{
			ICEServers:   servers,
			SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
		},
		source:      source,
		onCandidate: onCandidate,
		onDegraded:  onDegraded,
	}
}

// ensurePC lazily creates the peer connection. Caller holds mu.
func (m *WebRTCMedia) ensurePC() error {
	if m.pc != nil {
		return nil
	}
	pc, err := webrtc.NewPeerConnection(m.config)
	if err != nil {
		return err
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || m.onCandidate == nil {
			return
		}
		m.onCandidate(c.ToJSON().Candidate)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("peer connection state changed",
			zap.String("state", state.String()))
		if state == webrtc.PeerConnectionStateDisconnected || state == webrtc.PeerConnectionStateFailed {
			if m.onDegraded != nil {
				m.onDegraded()
			}
		}
	})

	m.pc = pc
	return nil
}

// AcquireMic attaches the local audio track and starts feeding samples.
func (m *WebRTCMedia) AcquireMic(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.source == nil {
		return ErrNoCaptureDevice
	}
	if err := m.ensurePC(); err != nil {
		return err
	}
	if m.track != nil {
		return nil
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "voicelink",
	)
	if err != nil {
		return err
	}
	if _, err := m.pc.AddTrack(track); err != nil {
		return err
	}

	m.track = track
	m.feedStop = make(chan struct{})
	go m.feed(track, m.feedStop)
	return nil
}

// feed pumps captured samples into the outbound track until stopped.
func (m *WebRTCMedia) feed(track *webrtc.TrackLocalStaticSample, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		sample, err := m.source.NextSample()
		if err != nil {
			logger.Debug("capture source drained", zap.Error(err))
			return
		}
		if err := track.WriteSample(sample); err != nil {
			logger.Debug("failed to write audio sample", zap.Error(err))
			return
		}
	}
}

func (m *WebRTCMedia) CreateOffer(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensurePC(); err != nil {
		return "", err
	}

	offer, err := m.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err := m.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return offer.SDP, nil
}

func (m *WebRTCMedia) CreateAnswer(ctx context.Context, remoteSDP string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensurePC(); err != nil {
		return "", err
	}

	err := m.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  remoteSDP,
	})
	if err != nil {
		return "", err
	}

	answer, err := m.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := m.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, nil
}

func (m *WebRTCMedia) AcceptAnswer(ctx context.Context, remoteSDP string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pc == nil {
		return errors.New("no peer connection")
	}
	return m.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  remoteSDP,
	})
}

func (m *WebRTCMedia) AddICECandidate(candidate string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pc == nil {
		return errors.New("no peer connection")
	}
	return m.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: candidate})
}

// RestartICE renegotiates the transport path without tearing down the
// session and returns the restart offer for the peer.
func (m *WebRTCMedia) RestartICE(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pc == nil {
		return "", errors.New("no peer connection")
	}

	offer, err := m.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	if err != nil {
		return "", err
	}
	if err := m.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return offer.SDP, nil
}

// Probe reads the nominated candidate pair's round-trip time from the
// stats report.
func (m *WebRTCMedia) Probe(ctx context.Context) (time.Duration, error) {
	m.mu.Lock()
	pc := m.pc
	m.mu.Unlock()
	if pc == nil {
		return 0, errors.New("no peer connection")
	}

	for _, stat := range pc.GetStats() {
		pair, ok := stat.(webrtc.ICECandidatePairStats)
		if !ok || !pair.Nominated {
			continue
		}
		return time.Duration(pair.CurrentRoundTripTime * float64(time.Second)), nil
	}
	return 0, errors.New("no nominated candidate pair")
}

// Close stops capture and tears down the peer connection. Idempotent.
func (m *WebRTCMedia) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	if m.feedStop != nil {
		close(m.feedStop)
		m.feedStop = nil
	}
	if m.source != nil {
		if err := m.source.Close(); err != nil {
			logger.Debug("capture source close failed", zap.Error(err))
		}
	}
	if m.pc != nil {
		return m.pc.Close()
	}
	return nil
}
