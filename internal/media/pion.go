package media

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
)

// LocalTrack is a pion sample track with an enabled switch. Samples written
// while disabled or stopped are dropped.
type LocalTrack struct {
	kind  TrackKind
	track *webrtc.TrackLocalStaticSample

	mu      sync.RWMutex
	enabled bool
	live    bool
}

func NewLocalTrack(kind TrackKind, label, streamID string) (*LocalTrack, error) {
	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	if kind == KindVideo {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	id := label + "-" + uuid.NewString()[:8]
	track, err := webrtc.NewTrackLocalStaticSample(codec, id, streamID)
	if err != nil {
		return nil, err
	}
	return &LocalTrack{kind: kind, track: track, enabled: true, live: true}, nil
}

func (t *LocalTrack) ID() string      { return t.track.ID() }
func (t *LocalTrack) Kind() TrackKind { return t.kind }

func (t *LocalTrack) Enabled() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.enabled
}

func (t *LocalTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *LocalTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.live = false
	t.enabled = false
}

func (t *LocalTrack) Live() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.live
}

func (t *LocalTrack) WriteSample(s pionmedia.Sample) error {
	t.mu.RLock()
	send := t.enabled && t.live
	t.mu.RUnlock()
	if !send {
		return nil
	}
	return t.track.WriteSample(s)
}

func (t *LocalTrack) Local() webrtc.TrackLocal {
	return t.track
}

// RemoteTrack is a track received from the remote party.
type RemoteTrack struct {
	track    *webrtc.TrackRemote
	receiver *webrtc.RTPReceiver

	mu      sync.RWMutex
	enabled bool
	live    bool
}

func (t *RemoteTrack) ID() string { return t.track.ID() }

func (t *RemoteTrack) Kind() TrackKind {
	if t.track.Kind() == webrtc.RTPCodecTypeVideo {
		return KindVideo
	}
	return KindAudio
}

func (t *RemoteTrack) Enabled() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.enabled
}

func (t *RemoteTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *RemoteTrack) Stop() {
	t.mu.Lock()
	wasLive := t.live
	t.live = false
	t.enabled = false
	t.mu.Unlock()
	if wasLive && t.receiver != nil {
		_ = t.receiver.Stop()
	}
}

func (t *RemoteTrack) Live() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.live
}

// Remote returns the underlying pion track for reading RTP.
func (t *RemoteTrack) Remote() *webrtc.TrackRemote {
	return t.track
}

type localTrack interface {
	Local() webrtc.TrackLocal
}

// PionFactory creates pion peer connections using the given STUN servers.
type PionFactory struct {
	ICEServers []string
}

func (f PionFactory) NewPeerConnection() (PeerConnection, error) {
	cfg := webrtc.Configuration{}
	if len(f.ICEServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: f.ICEServers}}
	}
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &pionPeer{pc: pc}, nil
}

type pionPeer struct {
	pc *webrtc.PeerConnection
}

func (p *pionPeer) AddTrack(t Track) (Sender, error) {
	lt, ok := t.(localTrack)
	if !ok {
		return nil, ErrUnsupportedTrack
	}
	sender, err := p.pc.AddTrack(lt.Local())
	if err != nil {
		return nil, err
	}
	go drainRTCP(sender)
	return &pionSender{sender: sender, track: t}, nil
}

func (p *pionPeer) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (p *pionPeer) CreateAnswer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (p *pionPeer) SetAnswer(answer webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(answer)
}

func (p *pionPeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *pionPeer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

func (p *pionPeer) OnTrack(fn func(Track)) {
	p.pc.OnTrack(func(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		fn(&RemoteTrack{track: remote, receiver: receiver, enabled: true, live: true})
	})
}

func (p *pionPeer) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}

type pionSender struct {
	sender *webrtc.RTPSender

	mu    sync.Mutex
	track Track
}

func (s *pionSender) ReplaceTrack(t Track) error {
	var local webrtc.TrackLocal
	if t != nil {
		lt, ok := t.(localTrack)
		if !ok {
			return ErrUnsupportedTrack
		}
		local = lt.Local()
	}
	if err := s.sender.ReplaceTrack(local); err != nil {
		return err
	}
	s.mu.Lock()
	s.track = t
	s.mu.Unlock()
	return nil
}

func (s *pionSender) Track() Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

// drainRTCP reads incoming RTCP so interceptors keep working.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
