package tee3

import (
	"github.com/gematik/tee3/pkg/sensitive"
	"go.uber.org/atomic"
)

// SessionContext is the key and counter snapshot for one encrypted message in one
// direction. It can be used for exactly one encrypt or decrypt.
type SessionContext struct {
	key            *sensitive.Guard
	keyID          KeyID
	version        byte
	isPU           bool
	direction      Direction
	messageCounter uint64
	requestCounter uint64

	used atomic.Bool
}

// SessionContextPair shares one counter snapshot between a request and its response.
type SessionContextPair struct {
	Request  *SessionContext
	Response *SessionContext
}

func (s *SessionContext) KeyID() KeyID {
	return s.keyID
}

func (s *SessionContext) Version() byte {
	return s.version
}

func (s *SessionContext) IsPU() bool {
	return s.isPU
}

func (s *SessionContext) Direction() Direction {
	return s.direction
}

func (s *SessionContext) MessageCounter() uint64 {
	return s.messageCounter
}

func (s *SessionContext) RequestCounter() uint64 {
	return s.requestCounter
}

// acquire marks the context used and returns its key. The key is cleansed by release.
func (s *SessionContext) acquire() (*sensitive.Guard, error) {
	if s.used.Swap(true) {
		return nil, ErrSessionContextUsed
	}
	return s.key, nil
}

func (s *SessionContext) release() {
	s.key.Cleanse()
}
