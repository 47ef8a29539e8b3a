package media

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamAddRemove(t *testing.T) {
	audio, err := NewLocalTrack(KindAudio, "mic", "s")
	require.NoError(t, err)
	video, err := NewLocalTrack(KindVideo, "cam", "s")
	require.NoError(t, err)

	stream := NewStream(audio)
	stream.AddTrack(video)
	stream.AddTrack(video)

	assert.Equal(t, 2, stream.Len())
	assert.Len(t, stream.AudioTracks(), 1)
	assert.Len(t, stream.VideoTracks(), 1)

	assert.Equal(t, video, stream.RemoveTrack(video.ID()))
	assert.Nil(t, stream.RemoveTrack("missing"))
}

func TestLocalTrackStopAll(t *testing.T) {
	audio, err := NewLocalTrack(KindAudio, "mic", "s")
	require.NoError(t, err)

	stream := NewStream(audio)
	stream.StopAll()

	assert.False(t, audio.Enabled())
	assert.False(t, audio.Live())
	assert.Zero(t, stream.Len())
}

func TestGeneratedDevices(t *testing.T) {
	devices := GeneratedDevices{CameraErr: ErrDeviceUnreadable}

	_, err := devices.UserMedia(context.Background(), Constraints{Audio: true, Video: true})
	assert.ErrorIs(t, err, ErrDeviceUnreadable)

	stream, err := devices.UserMedia(context.Background(), Constraints{Audio: true})
	require.NoError(t, err)
	assert.Len(t, stream.AudioTracks(), 1)

	screen, err := devices.DisplayMedia(context.Background())
	require.NoError(t, err)
	assert.Len(t, screen.VideoTracks(), 1)
}
