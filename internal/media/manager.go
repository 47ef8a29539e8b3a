// Package media owns local capture, the peer connection of the current call,
// the Session Address of this client and the annotation overlay.
package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/immxrtalbeast/teamsync/internal/backoff"
	"github.com/immxrtalbeast/teamsync/internal/domain"
	"github.com/immxrtalbeast/teamsync/internal/eventchannel"
	"github.com/immxrtalbeast/teamsync/lib/logger/sl"
	"github.com/pion/webrtc/v3"
)

var (
	ErrNotReady             = errors.New("media session is not initialized")
	ErrAlreadyReady         = errors.New("media session is already initialized")
	ErrTornDown             = errors.New("media session was torn down")
	ErrNoSession            = errors.New("no active peer session")
	ErrSessionActive        = errors.New("a peer session is already active")
	ErrNoLocalMedia         = errors.New("no local media")
	ErrNoVideoSender        = errors.New("call has no outgoing video")
	ErrNotSharing           = errors.New("screen is not being shared")
	ErrRegistrationRejected = errors.New("session address registration rejected")
)

const reregisterTimeout = 30 * time.Second

// PeerEvents receives peer connection callbacks. Any field may be nil.
type PeerEvents struct {
	OnCandidate   func(webrtc.ICECandidateInit)
	OnState       func(webrtc.PeerConnectionState)
	OnRemoteTrack func(Track)
}

type Options struct {
	Devices         Devices
	Factory         PeerFactory
	RegisterPolicy  backoff.Policy
	RegisterRetries int
	Canvas          Canvas
	Log             *slog.Logger
}

// Manager is the media context of one client. It has two states: idle
// before Init and after Teardown, ready in between.
type Manager struct {
	bus     eventchannel.Bus
	devices Devices
	factory PeerFactory
	policy  backoff.Policy
	retries int
	overlay *Overlay
	log     *slog.Logger

	mu         sync.Mutex
	userID     string
	ready      bool
	address    domain.SessionAddress
	generation uint64
	session    uint64
	scope      *eventchannel.Scope

	local       *Stream
	screen      *Stream
	remote      *Stream
	pc          PeerConnection
	videoSender Sender
	camera      Track
	sharing     bool

	remoteDescription bool
	pendingCandidates []webrtc.ICECandidateInit
}

func NewManager(bus eventchannel.Bus, opts Options) *Manager {
	if opts.Devices == nil {
		opts.Devices = GeneratedDevices{}
	}
	if opts.Factory == nil {
		opts.Factory = PionFactory{}
	}
	if opts.RegisterPolicy.Initial <= 0 {
		opts.RegisterPolicy = backoff.DefaultPolicy()
	}
	if opts.RegisterRetries <= 0 {
		opts.RegisterRetries = 3
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		bus:     bus,
		devices: opts.Devices,
		factory: opts.Factory,
		policy:  opts.RegisterPolicy,
		retries: opts.RegisterRetries,
		overlay: NewOverlay(opts.Canvas),
		log:     log.With(slog.String("component", "media")),
		remote:  NewStream(),
	}
}

// Init registers a fresh Session Address for userID and keeps it registered
// across reconnections.
func (m *Manager) Init(ctx context.Context, userID string) error {
	const op = "media.manager.init"

	if userID == "" {
		return errors.New("user id is required")
	}

	m.mu.Lock()
	if m.ready {
		m.mu.Unlock()
		return ErrAlreadyReady
	}
	m.userID = userID
	m.ready = true
	gen := m.generation
	scope := eventchannel.NewScope(m.bus)
	m.scope = scope
	m.mu.Unlock()

	scope.On(domain.EventReceiveAnnotation, m.handleAnnotation)
	scope.OnEpoch(func(uint64) {
		go m.reregister(gen)
	})

	if err := m.register(ctx, gen); err != nil {
		m.log.Error("session address registration failed", slog.String("op", op), sl.Err(err))
		m.reset(gen)
		return err
	}
	return nil
}

// Teardown releases the call resources and the Session Address.
func (m *Manager) Teardown() {
	const op = "media.manager.teardown"

	m.mu.Lock()
	if !m.ready {
		m.mu.Unlock()
		return
	}
	m.generation++
	m.ready = false
	address, userID, scope := m.address, m.userID, m.scope
	m.address = domain.SessionAddress{}
	m.scope = nil
	m.mu.Unlock()

	m.EndSession()
	if scope != nil {
		scope.Close()
	}
	if address.IsZero() {
		return
	}
	err := m.bus.Emit(domain.EventPeerDisconnected, domain.PeerIDPayload{UserID: userID, PeerID: address.String()})
	if err != nil {
		m.log.Debug("peer_disconnected not sent", slog.String("op", op), sl.Err(err))
	}
}

func (m *Manager) reset(gen uint64) {
	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		return
	}
	m.generation++
	m.ready = false
	scope := m.scope
	m.scope = nil
	m.mu.Unlock()

	if scope != nil {
		scope.Close()
	}
}

func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

// Address returns the registered Session Address, zero when none is valid.
func (m *Manager) Address() domain.SessionAddress {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.address
}

func (m *Manager) Overlay() *Overlay {
	return m.overlay
}

func (m *Manager) reregister(gen uint64) {
	const op = "media.manager.reregister"

	m.mu.Lock()
	if m.generation != gen || !m.ready {
		m.mu.Unlock()
		return
	}
	m.address = domain.SessionAddress{}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), reregisterTimeout)
	defer cancel()
	if err := m.register(ctx, gen); err != nil && !errors.Is(err, ErrTornDown) {
		m.log.Warn("session address re-registration failed", slog.String("op", op), sl.Err(err))
	}
}

func (m *Manager) register(ctx context.Context, gen uint64) error {
	m.mu.Lock()
	userID := m.userID
	m.mu.Unlock()

	address := domain.NewSessionAddress(userID)
	err := backoff.Retry(ctx, m.policy, m.retries, func(ctx context.Context) error {
		return m.announce(ctx, address)
	})
	if err != nil {
		return fmt.Errorf("register session address: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generation != gen || !m.ready {
		return ErrTornDown
	}
	m.address = address
	m.log.Debug("session address registered", slog.String("address", address.String()))
	return nil
}

func (m *Manager) announce(ctx context.Context, address domain.SessionAddress) error {
	replies := make(chan error, 1)
	payload := domain.PeerIDPayload{UserID: address.UserID, PeerID: address.String()}

	err := m.bus.EmitWithAck(domain.EventPeerID, payload, func(data json.RawMessage, err error) {
		if err != nil {
			replies <- err
			return
		}
		var reply domain.RegisterReply
		if err := json.Unmarshal(data, &reply); err != nil {
			replies <- err
			return
		}
		if !reply.OK {
			replies <- fmt.Errorf("%w: %s", ErrRegistrationRejected, reply.Error)
			return
		}
		replies <- nil
	})
	if err != nil {
		return err
	}

	select {
	case err := <-replies:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AcquireLocal returns the local camera and microphone stream, acquiring it
// on first use. An unreadable camera falls back to audio only.
func (m *Manager) AcquireLocal(ctx context.Context) (*Stream, error) {
	const op = "media.manager.acquireLocal"

	m.mu.Lock()
	if !m.ready {
		m.mu.Unlock()
		return nil, ErrNotReady
	}
	if m.local != nil {
		local := m.local
		m.mu.Unlock()
		return local, nil
	}
	gen, session := m.generation, m.session
	m.mu.Unlock()

	stream, err := m.devices.UserMedia(ctx, Constraints{Audio: true, Video: true})
	if errors.Is(err, ErrDeviceUnreadable) {
		m.log.Warn("camera unreadable, falling back to audio only", slog.String("op", op))
		stream, err = m.devices.UserMedia(ctx, Constraints{Audio: true})
	}
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.generation != gen || m.session != session {
		m.mu.Unlock()
		stream.StopAll()
		return nil, ErrTornDown
	}
	if m.local != nil {
		local := m.local
		m.mu.Unlock()
		stream.StopAll()
		return local, nil
	}
	m.local = stream
	m.mu.Unlock()
	return stream, nil
}

// PreparePeer acquires local media and creates the peer connection of a
// new call.
func (m *Manager) PreparePeer(ctx context.Context, events PeerEvents) error {
	local, err := m.AcquireLocal(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if !m.ready {
		m.mu.Unlock()
		return ErrNotReady
	}
	if m.pc != nil {
		m.mu.Unlock()
		return ErrSessionActive
	}
	gen, session := m.generation, m.session
	m.mu.Unlock()

	pc, err := m.factory.NewPeerConnection()
	if err != nil {
		return err
	}
	if events.OnCandidate != nil {
		pc.OnICECandidate(events.OnCandidate)
	}
	if events.OnState != nil {
		pc.OnStateChange(events.OnState)
	}
	pc.OnTrack(func(t Track) {
		if !m.addRemote(session, t) {
			return
		}
		if events.OnRemoteTrack != nil {
			events.OnRemoteTrack(t)
		}
	})

	var videoSender Sender
	var camera Track
	for _, t := range local.Tracks() {
		sender, err := pc.AddTrack(t)
		if err != nil {
			_ = pc.Close()
			return err
		}
		if t.Kind() == KindVideo && videoSender == nil {
			videoSender, camera = sender, t
		}
	}

	m.mu.Lock()
	if m.generation != gen || m.session != session || m.pc != nil {
		m.mu.Unlock()
		_ = pc.Close()
		return ErrTornDown
	}
	m.pc = pc
	m.videoSender = videoSender
	m.camera = camera
	m.remote = NewStream()
	m.remoteDescription = false
	m.pendingCandidates = nil
	m.mu.Unlock()
	return nil
}

func (m *Manager) addRemote(session uint64, t Track) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != session {
		return false
	}
	m.remote.AddTrack(t)
	return true
}

func (m *Manager) peer() (PeerConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pc == nil {
		return nil, ErrNoSession
	}
	return m.pc, nil
}

func (m *Manager) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	pc, err := m.peer()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	return pc.CreateOffer(ctx)
}

// AcceptOffer applies the remote offer and returns the local answer.
func (m *Manager) AcceptOffer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	pc, err := m.peer()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := pc.CreateAnswer(ctx, offer)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	m.remoteDescriptionSet(pc)
	return answer, nil
}

func (m *Manager) ApplyAnswer(answer webrtc.SessionDescription) error {
	pc, err := m.peer()
	if err != nil {
		return err
	}
	if err := pc.SetAnswer(answer); err != nil {
		return err
	}
	m.remoteDescriptionSet(pc)
	return nil
}

// AddRemoteCandidate applies a remote ICE candidate, buffering it until the
// remote description is known.
func (m *Manager) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	m.mu.Lock()
	if m.pc == nil {
		m.mu.Unlock()
		return ErrNoSession
	}
	if !m.remoteDescription {
		m.pendingCandidates = append(m.pendingCandidates, c)
		m.mu.Unlock()
		return nil
	}
	pc := m.pc
	m.mu.Unlock()
	return pc.AddICECandidate(c)
}

func (m *Manager) remoteDescriptionSet(pc PeerConnection) {
	m.mu.Lock()
	if m.pc != pc {
		m.mu.Unlock()
		return
	}
	m.remoteDescription = true
	pending := m.pendingCandidates
	m.pendingCandidates = nil
	m.mu.Unlock()

	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			m.log.Warn("buffered ice candidate rejected", sl.Err(err))
		}
	}
}

// EndSession releases the resources of the current call. Local tracks are
// disabled before they are stopped. The Session Address is kept.
func (m *Manager) EndSession() {
	m.mu.Lock()
	m.session++
	local, screen, remote, pc := m.local, m.screen, m.remote, m.pc
	m.local = nil
	m.screen = nil
	m.remote = NewStream()
	m.pc = nil
	m.videoSender = nil
	m.camera = nil
	m.sharing = false
	m.remoteDescription = false
	m.pendingCandidates = nil
	m.mu.Unlock()

	if local != nil {
		local.StopAll()
	}
	if screen != nil {
		screen.StopAll()
	}
	if remote != nil {
		remote.Clear()
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			m.log.Debug("peer connection close", sl.Err(err))
		}
	}
	m.overlay.Clear()
}

func (m *Manager) LocalStream() *Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local
}

func (m *Manager) RemoteStream() *Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remote
}

// ToggleAudio flips the enabled flag of the local audio tracks and returns
// the new value.
func (m *Manager) ToggleAudio() (bool, error) {
	return m.toggle(KindAudio)
}

// ToggleVideo flips the camera track. While sharing the screen the camera
// track is not on the wire but its flag still flips.
func (m *Manager) ToggleVideo() (bool, error) {
	return m.toggle(KindVideo)
}

func (m *Manager) toggle(kind TrackKind) (bool, error) {
	m.mu.Lock()
	local := m.local
	m.mu.Unlock()
	if local == nil {
		return false, ErrNoLocalMedia
	}

	tracks := local.AudioTracks()
	if kind == KindVideo {
		tracks = local.VideoTracks()
	}
	if len(tracks) == 0 {
		return false, ErrNoLocalMedia
	}
	enabled := !tracks[0].Enabled()
	for _, t := range tracks {
		t.SetEnabled(enabled)
	}
	return enabled, nil
}

// StartScreenShare swaps the outgoing video for a display capture without
// renegotiating.
func (m *Manager) StartScreenShare(ctx context.Context) error {
	m.mu.Lock()
	if m.pc == nil {
		m.mu.Unlock()
		return ErrNoSession
	}
	if m.videoSender == nil {
		m.mu.Unlock()
		return ErrNoVideoSender
	}
	if m.sharing {
		m.mu.Unlock()
		return nil
	}
	session := m.session
	m.mu.Unlock()

	stream, err := m.devices.DisplayMedia(ctx)
	if err != nil {
		return err
	}
	tracks := stream.VideoTracks()
	if len(tracks) == 0 {
		stream.StopAll()
		return ErrNoDevice
	}

	m.mu.Lock()
	if m.session != session || m.sharing {
		m.mu.Unlock()
		stream.StopAll()
		return ErrTornDown
	}
	sender := m.videoSender
	m.mu.Unlock()

	if err := sender.ReplaceTrack(tracks[0]); err != nil {
		stream.StopAll()
		return err
	}

	m.mu.Lock()
	if m.session != session {
		m.mu.Unlock()
		stream.StopAll()
		return ErrTornDown
	}
	m.screen = stream
	m.sharing = true
	m.mu.Unlock()
	return nil
}

// StopScreenShare restores the camera track on the outgoing video.
func (m *Manager) StopScreenShare() error {
	m.mu.Lock()
	if !m.sharing {
		m.mu.Unlock()
		return ErrNotSharing
	}
	sender, camera, screen := m.videoSender, m.camera, m.screen
	m.sharing = false
	m.screen = nil
	m.mu.Unlock()

	err := sender.ReplaceTrack(camera)
	if screen != nil {
		screen.StopAll()
	}
	return err
}

func (m *Manager) Sharing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sharing
}

// SendAnnotation sends one stroke drawn over the shared screen to the
// viewer. Annotations are fire-and-forget.
func (m *Manager) SendAnnotation(targetUserID string, stroke domain.Stroke) error {
	if !m.Sharing() {
		return ErrNotSharing
	}
	if err := stroke.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(stroke)
	if err != nil {
		return err
	}
	return m.bus.Emit(domain.EventAnnotationData, domain.AnnotationPayload{TargetUserID: targetUserID, PathData: data})
}

func (m *Manager) handleAnnotation(data json.RawMessage) {
	var payload domain.ReceivedAnnotation
	if err := json.Unmarshal(data, &payload); err != nil {
		m.log.Warn("malformed receive_annotation", sl.Err(err))
		return
	}
	var stroke domain.Stroke
	if err := json.Unmarshal(payload.PathData, &stroke); err != nil {
		m.log.Warn("malformed annotation path", sl.Err(err))
		return
	}
	if err := m.overlay.Draw(stroke); err != nil {
		m.log.Debug("annotation dropped", sl.Err(err))
	}
}
