package media

import "sync"

type TrackKind string

const (
	KindAudio TrackKind = "audio"
	KindVideo TrackKind = "video"
)

// Track is one local or remote media track. A disabled track stays
// negotiated but carries silence or black frames.
type Track interface {
	ID() string
	Kind() TrackKind
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
	Live() bool
}

// Stream is an ordered set of tracks.
type Stream struct {
	mu     sync.RWMutex
	tracks []Track
}

func NewStream(tracks ...Track) *Stream {
	return &Stream{tracks: append([]Track(nil), tracks...)}
}

func (s *Stream) Tracks() []Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Track(nil), s.tracks...)
}

func (s *Stream) AudioTracks() []Track {
	return s.byKind(KindAudio)
}

func (s *Stream) VideoTracks() []Track {
	return s.byKind(KindVideo)
}

func (s *Stream) byKind(kind TrackKind) []Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Track
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// AddTrack appends t unless a track with the same id is present.
func (s *Stream) AddTrack(t Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.tracks {
		if existing.ID() == t.ID() {
			return
		}
	}
	s.tracks = append(s.tracks, t)
}

func (s *Stream) RemoveTrack(id string) Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.tracks {
		if t.ID() == id {
			s.tracks = append(s.tracks[:i:i], s.tracks[i+1:]...)
			return t
		}
	}
	return nil
}

// StopAll disables every track and then stops it, leaving the stream empty.
func (s *Stream) StopAll() {
	tracks := s.Clear()
	for _, t := range tracks {
		t.SetEnabled(false)
	}
	for _, t := range tracks {
		t.Stop()
	}
}

// Clear empties the stream without stopping the tracks and returns them.
func (s *Stream) Clear() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	tracks := s.tracks
	s.tracks = nil
	return tracks
}

func (s *Stream) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tracks)
}
