// Package mediatest provides in-memory peer connections and tracks for
// exercising call flows without a network.
package mediatest

import (
	"context"
	"fmt"
	"sync"

	"github.com/immxrtalbeast/teamsync/internal/media"
	"github.com/pion/webrtc/v3"
)

// Track records the order of enable and stop calls.
type Track struct {
	id   string
	kind media.TrackKind

	mu      sync.Mutex
	enabled bool
	live    bool
	history []string
}

func NewTrack(id string, kind media.TrackKind) *Track {
	return &Track{id: id, kind: kind, enabled: true, live: true}
}

func (t *Track) ID() string            { return t.id }
func (t *Track) Kind() media.TrackKind { return t.kind }

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *Track) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
	if enabled {
		t.history = append(t.history, "enable")
	} else {
		t.history = append(t.history, "disable")
	}
}

func (t *Track) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.live = false
	t.history = append(t.history, "stop")
}

func (t *Track) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

func (t *Track) History() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.history...)
}

// Devices hands out fake tracks. Every stream it returns is recorded.
type Devices struct {
	CameraErr  error
	DisplayErr error
	// Gate, when set, blocks UserMedia until it is closed.
	Gate chan struct{}
	// Started, when set, receives a value each time UserMedia is entered.
	Started chan struct{}

	mu      sync.Mutex
	counter int
	Streams []*media.Stream
	Tracks  []*Track
}

func (d *Devices) UserMedia(ctx context.Context, c media.Constraints) (*media.Stream, error) {
	if d.Started != nil {
		select {
		case d.Started <- struct{}{}:
		default:
		}
	}
	if d.Gate != nil {
		select {
		case <-d.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.Video && d.CameraErr != nil {
		return nil, d.CameraErr
	}
	stream := media.NewStream()
	if c.Audio {
		stream.AddTrack(d.track("mic", media.KindAudio))
	}
	if c.Video {
		stream.AddTrack(d.track("cam", media.KindVideo))
	}
	d.record(stream)
	return stream, nil
}

func (d *Devices) DisplayMedia(ctx context.Context) (*media.Stream, error) {
	if d.DisplayErr != nil {
		return nil, d.DisplayErr
	}
	stream := media.NewStream(d.track("screen", media.KindVideo))
	d.record(stream)
	return stream, nil
}

func (d *Devices) track(label string, kind media.TrackKind) *Track {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counter++
	t := NewTrack(fmt.Sprintf("%s-%d", label, d.counter), kind)
	d.Tracks = append(d.Tracks, t)
	return t
}

func (d *Devices) record(s *media.Stream) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Streams = append(d.Streams, s)
}

// AllTracks returns every track handed out so far.
func (d *Devices) AllTracks() []*Track {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Track(nil), d.Tracks...)
}

type Sender struct {
	mu       sync.Mutex
	track    media.Track
	Replaced int
}

func (s *Sender) ReplaceTrack(t media.Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = t
	s.Replaced++
	return nil
}

func (s *Sender) Track() media.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

// Peer is an in-memory peer connection. Tests drive its callbacks with
// EmitCandidate, EmitTrack and SetState.
type Peer struct {
	OfferErr  error
	AnswerErr error
	// Gathered candidates are emitted as soon as an offer or answer is
	// created, before the caller gets it back.
	Gathered []webrtc.ICECandidateInit

	mu          sync.Mutex
	senders     []*Sender
	remote      *webrtc.SessionDescription
	candidates  []webrtc.ICECandidateInit
	closed      bool
	onCandidate func(webrtc.ICECandidateInit)
	onTrack     func(media.Track)
	onState     func(webrtc.PeerConnectionState)
}

func (p *Peer) AddTrack(t media.Track) (media.Sender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &Sender{track: t}
	p.senders = append(p.senders, s)
	return s, nil
}

func (p *Peer) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if p.OfferErr != nil {
		return webrtc.SessionDescription{}, p.OfferErr
	}
	p.gather()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "fake-offer"}, nil
}

func (p *Peer) CreateAnswer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if p.AnswerErr != nil {
		return webrtc.SessionDescription{}, p.AnswerErr
	}
	p.mu.Lock()
	p.remote = &offer
	p.mu.Unlock()
	p.gather()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "fake-answer"}, nil
}

func (p *Peer) SetAnswer(answer webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = &answer
	return nil
}

func (p *Peer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return fmt.Errorf("remote description not set")
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *Peer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCandidate = fn
}

func (p *Peer) OnTrack(fn func(media.Track)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = fn
}

func (p *Peer) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = fn
}

func (p *Peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *Peer) gather() {
	for _, c := range p.Gathered {
		p.EmitCandidate(c)
	}
}

func (p *Peer) EmitCandidate(c webrtc.ICECandidateInit) {
	p.mu.Lock()
	fn := p.onCandidate
	p.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (p *Peer) EmitTrack(t media.Track) {
	p.mu.Lock()
	fn := p.onTrack
	p.mu.Unlock()
	if fn != nil {
		fn(t)
	}
}

func (p *Peer) SetState(s webrtc.PeerConnectionState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (p *Peer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// RemoteDescription returns the applied offer or answer, or nil.
func (p *Peer) RemoteDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *Peer) Candidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.candidates...)
}

func (p *Peer) Senders() []*Sender {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Sender(nil), p.senders...)
}

// VideoSender returns the first sender created for a video track.
func (p *Peer) VideoSender() *Sender {
	for _, s := range p.Senders() {
		if t := s.Track(); t != nil && t.Kind() == media.KindVideo {
			return s
		}
	}
	return nil
}

// Factory creates Peers and keeps them for inspection.
type Factory struct {
	Err error
	// Configure runs on every new peer before it is returned.
	Configure func(*Peer)

	mu    sync.Mutex
	peers []*Peer
}

func (f *Factory) NewPeerConnection() (media.PeerConnection, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	p := &Peer{}
	if f.Configure != nil {
		f.Configure(p)
	}
	f.mu.Lock()
	f.peers = append(f.peers, p)
	f.mu.Unlock()
	return p, nil
}

func (f *Factory) Peers() []*Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Peer(nil), f.peers...)
}

// Last returns the most recently created peer, or nil.
func (f *Factory) Last() *Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}
