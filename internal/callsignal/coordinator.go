package callsignal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/immxrtalbeast/teamsync/internal/domain"
	"github.com/immxrtalbeast/teamsync/internal/eventchannel"
	"github.com/immxrtalbeast/teamsync/internal/media"
	"github.com/immxrtalbeast/teamsync/lib/logger/sl"
	"github.com/pion/webrtc/v3"
)

// Media is what the state machine needs from the media session.
type Media interface {
	UserID() string
	Address() domain.SessionAddress
	PreparePeer(ctx context.Context, events media.PeerEvents) error
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	AcceptOffer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	ApplyAnswer(answer webrtc.SessionDescription) error
	AddRemoteCandidate(c webrtc.ICECandidateInit) error
	EndSession()
	StartScreenShare(ctx context.Context) error
	StopScreenShare() error
}

// maxStrayCandidates bounds the candidates kept while idle for an offer that
// has not arrived yet.
const maxStrayCandidates = 16

type strayCandidate struct {
	from      domain.SessionAddress
	candidate webrtc.ICECandidateInit
	at        time.Time
}

type Config struct {
	SignalingTimeout time.Duration
	ErrorResetDelay  time.Duration
}

func DefaultConfig() Config {
	return Config{
		SignalingTimeout: 30 * time.Second,
		ErrorResetDelay:  3 * time.Second,
	}
}

// Coordinator owns the one call of this client. Every transition happens
// under its mutex; events and listeners run after it is released.
type Coordinator struct {
	bus   eventchannel.Bus
	media Media
	cfg   Config
	log   *slog.Logger

	mu         sync.Mutex
	scope      *eventchannel.Scope
	phase      Phase
	call       Call
	gen        uint64
	cancelCall context.CancelFunc
	offer      *domain.SessionDescriptionPayload
	early      []webrtc.ICECandidateInit
	stray      []strayCandidate
	peerReady  bool
	signaled   bool
	outbox     []webrtc.ICECandidateInit
	timeout    *time.Timer
	reset      *time.Timer

	listenersMu    sync.Mutex
	nextListener   uint64
	phaseListeners map[uint64]func(Transition)
	errorListeners map[uint64]func(error)
}

func New(bus eventchannel.Bus, m Media, cfg Config, log *slog.Logger) *Coordinator {
	defaults := DefaultConfig()
	if cfg.SignalingTimeout <= 0 {
		cfg.SignalingTimeout = defaults.SignalingTimeout
	}
	if cfg.ErrorResetDelay <= 0 {
		cfg.ErrorResetDelay = defaults.ErrorResetDelay
	}
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		bus:            bus,
		media:          m,
		cfg:            cfg,
		log:            log.With(slog.String("component", "callsignal")),
		phase:          PhaseIdle,
		phaseListeners: make(map[uint64]func(Transition)),
		errorListeners: make(map[uint64]func(error)),
	}
}

// Start subscribes to the call events.
func (c *Coordinator) Start() {
	c.mu.Lock()
	if c.scope != nil {
		c.mu.Unlock()
		return
	}
	scope := eventchannel.NewScope(c.bus)
	c.scope = scope
	c.mu.Unlock()

	scope.On(domain.EventCallOffer, c.handleOffer)
	scope.On(domain.EventCallAnswer, c.handleAnswer)
	scope.On(domain.EventICECandidate, c.handleCandidate)
	scope.On(domain.EventCallAccepted, c.handleAccepted)
	scope.On(domain.EventCallRejected, c.handleRejected)
	scope.On(domain.EventCallEnded, c.handleEnded)
	scope.On(domain.EventCallFailed, c.handleFailed)
}

// Stop ends any call and unsubscribes.
func (c *Coordinator) Stop() {
	_ = c.EndCall()

	c.mu.Lock()
	scope := c.scope
	c.scope = nil
	c.stopTimersLocked()
	c.mu.Unlock()

	if scope != nil {
		scope.Close()
	}
}

func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Current returns the call and whether one is in progress.
func (c *Coordinator) Current() (Call, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.call, c.phase != PhaseIdle
}

// OnPhase registers fn for phase transitions and returns its unsubscribe func.
func (c *Coordinator) OnPhase(fn func(Transition)) func() {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.nextListener++
	id := c.nextListener
	c.phaseListeners[id] = fn
	return func() {
		c.listenersMu.Lock()
		defer c.listenersMu.Unlock()
		delete(c.phaseListeners, id)
	}
}

// OnError registers fn for call failures and returns its unsubscribe func.
func (c *Coordinator) OnError(fn func(error)) func() {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.nextListener++
	id := c.nextListener
	c.errorListeners[id] = fn
	return func() {
		c.listenersMu.Lock()
		defer c.listenersMu.Unlock()
		delete(c.errorListeners, id)
	}
}

// InitiateCall dials calleeID. It blocks until the offer is sent or the
// attempt fails; it must not be called from an event handler.
func (c *Coordinator) InitiateCall(ctx context.Context, calleeID string) error {
	const op = "callsignal.coordinator.initiateCall"
	log := c.log.With(slog.String("op", op), slog.String("callee", calleeID))

	if calleeID == "" {
		return errors.New("callee id is required")
	}
	self := c.media.UserID()
	if calleeID == self {
		return ErrSelfCall
	}

	c.mu.Lock()
	if c.scope == nil {
		c.mu.Unlock()
		return ErrNotStarted
	}
	if c.phase != PhaseIdle {
		c.mu.Unlock()
		return ErrCallInProgress
	}
	gen, callCtx := c.beginLocked(Call{
		CallerID:  self,
		CalleeID:  calleeID,
		Direction: DirectionOutgoing,
		StartedAt: time.Now().UTC(),
	})
	tr := c.transitionLocked(PhaseDialing, nil)
	c.startTimeoutLocked(gen)
	c.mu.Unlock()
	c.notify(tr)

	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(callCtx, cancel)
	defer func() {
		stop()
		cancel()
	}()

	address, err := c.resolve(ctx, calleeID)
	if err != nil {
		if !c.current(gen) {
			return ErrCallSuperseded
		}
		return c.fail(gen, err, "")
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return ErrCallSuperseded
	}
	c.call.Remote = address
	c.mu.Unlock()

	if err := c.media.PreparePeer(ctx, c.peerEvents(gen)); err != nil {
		if !c.current(gen) {
			return ErrCallSuperseded
		}
		return c.fail(gen, fmt.Errorf("%w: %v", ErrMediaAcquisitionFailed, err), "")
	}
	if !c.current(gen) {
		c.media.EndSession()
		return ErrCallSuperseded
	}

	offer, err := c.media.CreateOffer(ctx)
	if err != nil {
		return c.fail(gen, fmt.Errorf("%w: %v", ErrPeerConnectionError, err), "")
	}

	payload := domain.SessionDescriptionPayload{
		TargetPeerID: address.String(),
		FromPeerID:   c.media.Address().String(),
		SDP:          offer,
	}
	if err := c.bus.Emit(domain.EventCallOffer, payload); err != nil {
		return c.fail(gen, err, "")
	}
	log.Debug("offer sent", slog.String("target", address.String()))
	c.flushCandidates(gen)
	return nil
}

// Accept answers the ringing call.
func (c *Coordinator) Accept(ctx context.Context) error {
	c.mu.Lock()
	if c.phase != PhaseRinging || c.offer == nil {
		c.mu.Unlock()
		return ErrNoCall
	}
	gen := c.gen
	offer := *c.offer
	remote, caller := c.call.Remote, c.call.CallerID
	tr := c.transitionLocked(PhaseConnecting, nil)
	c.startTimeoutLocked(gen)
	callCtx := c.callContextLocked()
	c.mu.Unlock()
	c.notify(tr)

	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(callCtx, cancel)
	defer func() {
		stop()
		cancel()
	}()

	if err := c.media.PreparePeer(ctx, c.peerEvents(gen)); err != nil {
		if !c.current(gen) {
			return ErrCallSuperseded
		}
		return c.fail(gen, fmt.Errorf("%w: %v", ErrMediaAcquisitionFailed, err), domain.EventCallError)
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		c.media.EndSession()
		return ErrCallSuperseded
	}
	early := c.early
	c.early = nil
	c.peerReady = true
	c.mu.Unlock()

	for _, candidate := range early {
		if err := c.media.AddRemoteCandidate(candidate); err != nil {
			c.log.Debug("early candidate dropped", sl.Err(err))
		}
	}

	answer, err := c.media.AcceptOffer(ctx, offer.SDP)
	if err != nil {
		return c.fail(gen, fmt.Errorf("%w: %v", ErrPeerConnectionError, err), domain.EventCallError)
	}

	payload := domain.SessionDescriptionPayload{
		TargetPeerID: remote.String(),
		FromPeerID:   c.media.Address().String(),
		SDP:          answer,
	}
	if err := c.bus.Emit(domain.EventCallAnswer, payload); err != nil {
		return c.fail(gen, err, "")
	}
	c.flushCandidates(gen)
	if err := c.bus.Emit(domain.EventAnswerCall, domain.TargetPayload{TargetUserID: caller}); err != nil {
		c.log.Debug("answer_call not sent", sl.Err(err))
	}
	return nil
}

// Reject declines the ringing call.
func (c *Coordinator) Reject() error {
	c.mu.Lock()
	if c.phase != PhaseRinging {
		c.mu.Unlock()
		return ErrNoCall
	}
	caller := c.call.CallerID
	c.gen++
	c.cancelLocked()
	c.stopTimersLocked()
	tr := c.transitionLocked(PhaseIdle, nil)
	c.clearLocked()
	c.mu.Unlock()

	err := c.bus.Emit(domain.EventCallRejected, domain.TargetPayload{TargetUserID: caller})
	c.notify(tr)
	return err
}

// EndCall hangs up. Local tracks are stopped, the peer connection is closed
// and the remote party is told.
func (c *Coordinator) EndCall() error {
	c.mu.Lock()
	switch c.phase {
	case PhaseRinging:
		c.mu.Unlock()
		return c.Reject()
	case PhaseDialing, PhaseConnecting, PhaseActive:
	default:
		c.mu.Unlock()
		return ErrNoCall
	}
	partner := c.call.Partner()
	gen, ending := c.endingLocked(nil)
	c.mu.Unlock()

	c.finishEnding(gen, ending, partner)
	return nil
}

// ToggleScreenShare swaps the outgoing video between camera and screen and
// returns whether the screen is now shared.
func (c *Coordinator) ToggleScreenShare(ctx context.Context) (bool, error) {
	c.mu.Lock()
	if c.phase != PhaseActive {
		c.mu.Unlock()
		return false, ErrNoCall
	}
	sharing := c.call.ScreenSharing
	gen := c.gen
	c.mu.Unlock()

	var err error
	if sharing {
		err = c.media.StopScreenShare()
		if errors.Is(err, media.ErrNotSharing) {
			err = nil
		}
	} else {
		err = c.media.StartScreenShare(ctx)
	}
	if err != nil {
		return sharing, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen == gen {
		c.call.ScreenSharing = !sharing
	}
	return !sharing, nil
}

func (c *Coordinator) resolve(ctx context.Context, userID string) (domain.SessionAddress, error) {
	type result struct {
		data json.RawMessage
		err  error
	}
	replies := make(chan result, 1)
	err := c.bus.EmitWithAck(domain.EventGetPeerID, domain.GetPeerIDPayload{TargetUserID: userID}, func(data json.RawMessage, err error) {
		replies <- result{data: data, err: err}
	})
	if err != nil {
		return domain.SessionAddress{}, err
	}

	select {
	case r := <-replies:
		if r.err != nil {
			return domain.SessionAddress{}, r.err
		}
		var reply domain.GetPeerIDReply
		if err := json.Unmarshal(r.data, &reply); err != nil || reply.PeerID == "" {
			return domain.SessionAddress{}, ErrRecipientUnavailable
		}
		address, err := domain.ParseSessionAddress(reply.PeerID)
		if err != nil || address.UserID != userID {
			return domain.SessionAddress{}, ErrRecipientUnavailable
		}
		return address, nil
	case <-ctx.Done():
		return domain.SessionAddress{}, ctx.Err()
	}
}

func (c *Coordinator) peerEvents(gen uint64) media.PeerEvents {
	return media.PeerEvents{
		OnCandidate: func(candidate webrtc.ICECandidateInit) {
			c.sendCandidate(gen, candidate)
		},
		OnState: func(state webrtc.PeerConnectionState) {
			c.handlePeerState(gen, state)
		},
	}
}

func (c *Coordinator) sendCandidate(gen uint64, candidate webrtc.ICECandidateInit) {
	c.mu.Lock()
	if c.gen != gen || c.call.Remote.IsZero() {
		c.mu.Unlock()
		return
	}
	if !c.signaled {
		c.outbox = append(c.outbox, candidate)
		c.mu.Unlock()
		return
	}
	remote := c.call.Remote
	c.mu.Unlock()

	c.emitCandidate(remote, candidate)
}

// flushCandidates sends the local candidates gathered before the offer or
// answer went out. Later ones are sent as they come.
func (c *Coordinator) flushCandidates(gen uint64) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.signaled = true
	pending := c.outbox
	c.outbox = nil
	remote := c.call.Remote
	c.mu.Unlock()

	for _, candidate := range pending {
		c.emitCandidate(remote, candidate)
	}
}

func (c *Coordinator) emitCandidate(remote domain.SessionAddress, candidate webrtc.ICECandidateInit) {
	err := c.bus.Emit(domain.EventICECandidate, domain.ICECandidatePayload{
		TargetPeerID: remote.String(),
		FromPeerID:   c.media.Address().String(),
		Candidate:    candidate,
	})
	if err != nil {
		c.log.Debug("ice candidate not sent", sl.Err(err))
	}
}

func (c *Coordinator) handlePeerState(gen uint64, state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		c.mu.Lock()
		if c.gen != gen || (c.phase != PhaseDialing && c.phase != PhaseConnecting) {
			c.mu.Unlock()
			return
		}
		c.stopTimersLocked()
		tr := c.transitionLocked(PhaseActive, nil)
		c.mu.Unlock()
		c.notify(tr)
	case webrtc.PeerConnectionStateFailed:
		go c.fail(gen, ErrPeerConnectionError, domain.EventEndCall)
	}
}

func (c *Coordinator) handleOffer(data json.RawMessage) {
	const op = "callsignal.coordinator.handleOffer"
	log := c.log.With(slog.String("op", op))

	var payload domain.SessionDescriptionPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		log.Warn("malformed call_offer", sl.Err(err))
		return
	}
	from, err := domain.ParseSessionAddress(payload.FromPeerID)
	if err != nil {
		log.Warn("call_offer with invalid sender address", slog.String("from", payload.FromPeerID))
		return
	}
	self := c.media.UserID()

	c.mu.Lock()
	if c.scope == nil {
		c.mu.Unlock()
		return
	}

	switch {
	case c.phase == PhaseIdle:
		c.ringLocked(from, self, &payload)
		tr := c.transitionLocked(PhaseRinging, nil)
		c.startTimeoutLocked(c.gen)
		c.mu.Unlock()
		c.notify(tr)
		return

	case c.phase == PhaseDialing && c.call.CalleeID == from.UserID:
		if self > from.UserID {
			c.mu.Unlock()
			log.Debug("glare: keeping outgoing call", slog.String("peer", from.UserID))
			return
		}
		c.ringLocked(from, self, &payload)
		tr := c.transitionLocked(PhaseRinging, nil)
		c.startTimeoutLocked(c.gen)
		c.mu.Unlock()
		log.Debug("glare: yielding to incoming call", slog.String("peer", from.UserID))
		c.media.EndSession()
		c.notify(tr)
		return

	case c.phase == PhaseRinging && c.call.CallerID == from.UserID:
		c.offer = &payload
		c.call.Remote = from
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := c.bus.Emit(domain.EventCallError, domain.TargetPayload{TargetUserID: from.UserID, Error: busyReason}); err != nil {
		log.Debug("busy reply not sent", sl.Err(err))
	}
}

func (c *Coordinator) handleAnswer(data json.RawMessage) {
	var payload domain.SessionDescriptionPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		c.log.Warn("malformed call_answer", sl.Err(err))
		return
	}
	from, err := domain.ParseSessionAddress(payload.FromPeerID)
	if err != nil {
		return
	}

	c.mu.Lock()
	if c.phase != PhaseDialing || c.call.CalleeID != from.UserID {
		c.mu.Unlock()
		return
	}
	gen := c.gen
	c.call.Remote = from
	c.mu.Unlock()

	if err := c.media.ApplyAnswer(payload.SDP); err != nil {
		_ = c.fail(gen, fmt.Errorf("%w: %v", ErrPeerConnectionError, err), domain.EventEndCall)
	}
}

func (c *Coordinator) handleCandidate(data json.RawMessage) {
	var payload domain.ICECandidatePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	from, err := domain.ParseSessionAddress(payload.FromPeerID)
	if err != nil {
		return
	}

	c.mu.Lock()
	if c.phase == PhaseIdle {
		// The offer may still be on its way.
		c.stray = append(c.stray, strayCandidate{from: from, candidate: payload.Candidate, at: time.Now()})
		if len(c.stray) > maxStrayCandidates {
			c.stray = c.stray[len(c.stray)-maxStrayCandidates:]
		}
		c.mu.Unlock()
		return
	}
	if !c.inCallLocked() || c.call.Partner() != from.UserID {
		c.mu.Unlock()
		return
	}
	if c.call.Direction == DirectionIncoming && !c.peerReady {
		c.early = append(c.early, payload.Candidate)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := c.media.AddRemoteCandidate(payload.Candidate); err != nil {
		c.log.Debug("remote candidate dropped", sl.Err(err))
	}
}

func (c *Coordinator) handleAccepted(data json.RawMessage) {
	var notice domain.CallNotice
	if err := json.Unmarshal(data, &notice); err != nil {
		return
	}
	c.log.Debug("call accepted by remote", slog.String("user_id", notice.UserID))
}

func (c *Coordinator) handleRejected(data json.RawMessage) {
	var notice domain.CallNotice
	if err := json.Unmarshal(data, &notice); err != nil {
		return
	}

	c.mu.Lock()
	if c.phase != PhaseDialing || c.call.CalleeID != notice.UserID {
		c.mu.Unlock()
		return
	}
	gen, ending := c.endingLocked(ErrCallRejected)
	c.mu.Unlock()

	c.finishEnding(gen, ending, "")
}

func (c *Coordinator) handleEnded(data json.RawMessage) {
	var notice domain.CallNotice
	if err := json.Unmarshal(data, &notice); err != nil {
		return
	}

	c.mu.Lock()
	if !c.inCallLocked() || c.call.Partner() != notice.UserID {
		c.mu.Unlock()
		return
	}
	gen, ending := c.endingLocked(ErrRemoteEnded)
	c.mu.Unlock()

	c.finishEnding(gen, ending, "")
}

func (c *Coordinator) handleFailed(data json.RawMessage) {
	var notice domain.CallNotice
	if err := json.Unmarshal(data, &notice); err != nil {
		return
	}

	c.mu.Lock()
	if !c.inCallLocked() || c.call.Partner() != notice.UserID {
		c.mu.Unlock()
		return
	}
	if c.phase == PhaseDialing {
		gen := c.gen
		c.mu.Unlock()
		_ = c.fail(gen, fmt.Errorf("%w: %s", ErrRecipientUnavailable, notice.Error), "")
		return
	}
	reason := fmt.Errorf("%w: %s", ErrPeerConnectionError, notice.Error)
	gen, ending := c.endingLocked(reason)
	c.mu.Unlock()

	c.log.Warn("call failed remotely", slog.String("partner", notice.UserID), sl.Err(reason))
	c.finishEnding(gen, ending, "")
	c.notifyError(reason)
}

// endingLocked moves the call to Ending under a new generation.
func (c *Coordinator) endingLocked(reason error) (uint64, Transition) {
	c.gen++
	c.cancelLocked()
	c.stopTimersLocked()
	return c.gen, c.transitionLocked(PhaseEnding, reason)
}

// finishEnding tears the session down and settles in Idle. The partner is
// told with end_call only when partner is set.
func (c *Coordinator) finishEnding(gen uint64, ending Transition, partner string) {
	c.notify(ending)
	c.media.EndSession()
	if partner != "" {
		if err := c.bus.Emit(domain.EventEndCall, domain.TargetPayload{TargetUserID: partner}); err != nil {
			c.log.Debug("end_call not sent", sl.Err(err))
		}
	}

	c.mu.Lock()
	if c.gen != gen || c.phase != PhaseEnding {
		c.mu.Unlock()
		return
	}
	idle := c.transitionLocked(PhaseIdle, ending.Reason)
	c.clearLocked()
	c.mu.Unlock()
	c.notify(idle)
}

// fail ends the call of generation gen with reason. RecipientUnavailable
// returns to Idle at once; other failures pass through Error. When notify
// is set the partner is told with that event.
func (c *Coordinator) fail(gen uint64, reason error, notify string) error {
	c.mu.Lock()
	if c.gen != gen || !c.inCallLocked() {
		c.mu.Unlock()
		return ErrCallSuperseded
	}
	partner := c.call.Partner()
	c.gen++
	c.cancelLocked()
	c.stopTimersLocked()

	var tr Transition
	if errors.Is(reason, ErrRecipientUnavailable) {
		tr = c.transitionLocked(PhaseIdle, reason)
		c.clearLocked()
	} else {
		tr = c.transitionLocked(PhaseError, reason)
		resetGen := c.gen
		c.reset = time.AfterFunc(c.cfg.ErrorResetDelay, func() { c.resetFromError(resetGen) })
	}
	c.mu.Unlock()

	c.log.Warn("call failed", slog.String("partner", partner), sl.Err(reason))
	c.media.EndSession()
	if notify != "" && partner != "" {
		if err := c.bus.Emit(notify, domain.TargetPayload{TargetUserID: partner, Error: reason.Error()}); err != nil {
			c.log.Debug("failure notice not sent", sl.Err(err))
		}
	}
	c.notify(tr)
	c.notifyError(reason)
	return reason
}

func (c *Coordinator) resetFromError(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.phase != PhaseError {
		c.mu.Unlock()
		return
	}
	c.reset = nil
	tr := c.transitionLocked(PhaseIdle, nil)
	c.clearLocked()
	c.mu.Unlock()
	c.notify(tr)
}

func (c *Coordinator) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

func (c *Coordinator) inCallLocked() bool {
	switch c.phase {
	case PhaseDialing, PhaseRinging, PhaseConnecting, PhaseActive:
		return true
	}
	return false
}

// beginLocked starts a new call generation.
func (c *Coordinator) beginLocked(call Call) (uint64, context.Context) {
	c.gen++
	c.cancelLocked()
	c.stopTimersLocked()
	c.call = call
	c.offer = nil
	c.early = nil
	c.peerReady = false
	c.signaled = false
	c.outbox = nil
	return c.gen, c.callContextLocked()
}

func (c *Coordinator) ringLocked(from domain.SessionAddress, self string, offer *domain.SessionDescriptionPayload) {
	c.beginLocked(Call{
		CallerID:  from.UserID,
		CalleeID:  self,
		Direction: DirectionIncoming,
		Remote:    from,
		StartedAt: time.Now().UTC(),
	})
	c.offer = offer

	cutoff := time.Now().Add(-c.cfg.SignalingTimeout)
	for _, s := range c.stray {
		if s.from == from && s.at.After(cutoff) {
			c.early = append(c.early, s.candidate)
		}
	}
	c.stray = nil
}

func (c *Coordinator) callContextLocked() context.Context {
	if c.cancelCall != nil {
		c.cancelCall()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelCall = cancel
	return ctx
}

func (c *Coordinator) cancelLocked() {
	if c.cancelCall != nil {
		c.cancelCall()
		c.cancelCall = nil
	}
}

func (c *Coordinator) startTimeoutLocked(gen uint64) {
	if c.timeout != nil {
		c.timeout.Stop()
	}
	c.timeout = time.AfterFunc(c.cfg.SignalingTimeout, func() { c.expire(gen) })
}

// expire handles the signaling timeout. An unanswered incoming call is
// dropped straight to Idle; anything else fails through Error.
func (c *Coordinator) expire(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.phase != PhaseRinging {
		c.mu.Unlock()
		_ = c.fail(gen, ErrSignalingTimeout, domain.EventEndCall)
		return
	}
	caller := c.call.CallerID
	c.gen++
	c.cancelLocked()
	c.stopTimersLocked()
	tr := c.transitionLocked(PhaseIdle, ErrSignalingTimeout)
	c.clearLocked()
	c.mu.Unlock()

	c.log.Info("incoming call not answered", slog.String("caller", caller))
	if err := c.bus.Emit(domain.EventEndCall, domain.TargetPayload{TargetUserID: caller, Error: ErrSignalingTimeout.Error()}); err != nil {
		c.log.Debug("end_call not sent", sl.Err(err))
	}
	c.notify(tr)
	c.notifyError(ErrSignalingTimeout)
}

func (c *Coordinator) stopTimersLocked() {
	if c.timeout != nil {
		c.timeout.Stop()
		c.timeout = nil
	}
	if c.reset != nil {
		c.reset.Stop()
		c.reset = nil
	}
}

func (c *Coordinator) transitionLocked(to Phase, reason error) Transition {
	from := c.phase
	c.phase = to
	c.call.Phase = to
	return Transition{From: from, To: to, Call: c.call, Reason: reason}
}

func (c *Coordinator) clearLocked() {
	c.call = Call{Phase: c.phase}
	c.offer = nil
	c.early = nil
	c.peerReady = false
	c.signaled = false
	c.outbox = nil
}

func (c *Coordinator) notify(tr Transition) {
	c.listenersMu.Lock()
	fns := make([]func(Transition), 0, len(c.phaseListeners))
	for _, fn := range c.phaseListeners {
		fns = append(fns, fn)
	}
	c.listenersMu.Unlock()

	for _, fn := range fns {
		fn(tr)
	}
}

func (c *Coordinator) notifyError(err error) {
	c.listenersMu.Lock()
	fns := make([]func(error), 0, len(c.errorListeners))
	for _, fn := range c.errorListeners {
		fns = append(fns, fn)
	}
	c.listenersMu.Unlock()

	for _, fn := range fns {
		fn(err)
	}
}
