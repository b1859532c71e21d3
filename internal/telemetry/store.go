// Package telemetry decodes data-transfer frames from the motor controller and
// keeps a bounded history of every reported quantity.
package telemetry

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrUnknownChannel is returned for a channel name that is not recorded.
var ErrUnknownChannel = errors.New("unknown telemetry channel")

// Channel names one history: a motor side crossed with a quantity.
type Channel int

const (
	LeftSpeed Channel = iota
	RightSpeed
	LeftADC
	RightADC

	numChannels
)

var channelNames = [numChannels]string{
	LeftSpeed:  "left_speed",
	RightSpeed: "right_speed",
	LeftADC:    "left_adc",
	RightADC:   "right_adc",
}

func (c Channel) String() string {
	if c < 0 || c >= numChannels {
		return fmt.Sprintf("channel(%d)", int(c))
	}
	return channelNames[c]
}

// Channels lists every channel in a stable order.
func Channels() []Channel {
	return []Channel{LeftSpeed, RightSpeed, LeftADC, RightADC}
}

// ParseChannel accepts names like "right_speed", "RIGHT-SPEED" or "rightSpeed".
func ParseChannel(name string) (Channel, error) {
	key := strings.ToLower(strings.NewReplacer("-", "", "_", "", " ", "").Replace(name))
	for c, n := range channelNames {
		if strings.ReplaceAll(n, "_", "") == key {
			return Channel(c), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownChannel, name)
}

// Store holds one History per channel.
type Store struct {
	mu       sync.RWMutex
	channels [numChannels]*History
}

// NewStore creates a store whose histories keep at most maxLength samples.
func NewStore(maxLength int) *Store {
	s := &Store{}
	for i := range s.channels {
		s.channels[i] = NewHistory(maxLength)
	}
	return s
}

// Push appends v to ch.
func (s *Store) Push(ch Channel, v float64) error {
	if ch < 0 || ch >= numChannels {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, int(ch))
	}
	s.mu.Lock()
	s.channels[ch].Push(v)
	s.mu.Unlock()
	return nil
}

// ReadRecent returns up to n of the newest samples of ch, oldest first.
func (s *Store) ReadRecent(ch Channel, n int) ([]float64, error) {
	if ch < 0 || ch >= numChannels {
		return nil, fmt.Errorf("%w: %d", ErrUnknownChannel, int(ch))
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channels[ch].Recent(n), nil
}

// Latest returns the newest sample of ch.
func (s *Store) Latest(ch Channel) (float64, bool) {
	if ch < 0 || ch >= numChannels {
		return 0, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channels[ch].Latest()
}

// Clear empties ch.
func (s *Store) Clear(ch Channel) error {
	if ch < 0 || ch >= numChannels {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, int(ch))
	}
	s.mu.Lock()
	s.channels[ch].Clear()
	s.mu.Unlock()
	return nil
}

// Sample is the newest value of one channel.
type Sample struct {
	Value float64 `json:"value"`
	Count int     `json:"count"`
	Valid bool    `json:"valid"`
}

// Snapshot maps every channel name to its newest sample.
type Snapshot map[string]Sample

// Snapshot returns the newest value of every channel.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(Snapshot, numChannels)
	for c, h := range s.channels {
		v, ok := h.Latest()
		out[Channel(c).String()] = Sample{Value: v, Count: h.Len(), Valid: ok}
	}
	return out
}

// MaxLength returns the per-channel history limit.
func (s *Store) MaxLength() int {
	return s.channels[0].Max()
}
