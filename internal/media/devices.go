package media

import (
	"context"
	"errors"
)

var (
	ErrPermissionDenied  = errors.New("media permission denied")
	ErrNoDevice          = errors.New("no capture device")
	ErrDeviceUnreadable  = errors.New("capture device is in use or unreadable")
	ErrDisplayCaptureOff = errors.New("display capture not available")
)

type Constraints struct {
	Audio bool
	Video bool
}

// Devices acquires local capture streams.
type Devices interface {
	UserMedia(ctx context.Context, c Constraints) (*Stream, error)
	DisplayMedia(ctx context.Context) (*Stream, error)
}

// GeneratedDevices hands out pion sample tracks with no capture source
// behind them. Media written to them comes from the caller.
type GeneratedDevices struct {
	StreamID string
	// CameraErr, when set, fails any request for video.
	CameraErr error
	// DisplayErr, when set, fails display capture.
	DisplayErr error
}

func (d GeneratedDevices) UserMedia(ctx context.Context, c Constraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.Audio && !c.Video {
		return nil, ErrNoDevice
	}
	if c.Video && d.CameraErr != nil {
		return nil, d.CameraErr
	}

	stream := NewStream()
	if c.Audio {
		t, err := NewLocalTrack(KindAudio, "microphone", d.streamID())
		if err != nil {
			return nil, err
		}
		stream.AddTrack(t)
	}
	if c.Video {
		t, err := NewLocalTrack(KindVideo, "camera", d.streamID())
		if err != nil {
			return nil, err
		}
		stream.AddTrack(t)
	}
	return stream, nil
}

func (d GeneratedDevices) DisplayMedia(ctx context.Context) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.DisplayErr != nil {
		return nil, d.DisplayErr
	}
	t, err := NewLocalTrack(KindVideo, "screen", d.streamID())
	if err != nil {
		return nil, err
	}
	return NewStream(t), nil
}

func (d GeneratedDevices) streamID() string {
	if d.StreamID == "" {
		return "teamsync"
	}
	return d.StreamID
}
