package media

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v3"
)

var ErrUnsupportedTrack = errors.New("track cannot be sent on this peer connection")

// Sender is the outgoing side of one negotiated track. ReplaceTrack swaps
// the media without renegotiation.
type Sender interface {
	ReplaceTrack(t Track) error
	Track() Track
}

// PeerConnection is the subset of a WebRTC peer connection the call flow
// drives. Callbacks may run on transport goroutines.
type PeerConnection interface {
	AddTrack(t Track) (Sender, error)
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	SetAnswer(answer webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnTrack(fn func(Track))
	OnStateChange(fn func(webrtc.PeerConnectionState))
	Close() error
}

type PeerFactory interface {
	NewPeerConnection() (PeerConnection, error)
}
