package tee3

import (
	"go.uber.org/atomic"
)

// Direction tags a frame as request or response.
type Direction byte

const (
	ClientToServer Direction = 0x01
	ServerToClient Direction = 0x02
)

func (d Direction) String() string {
	switch d {
	case ClientToServer:
		return "ClientToServer"
	case ServerToClient:
		return "ServerToClient"
	default:
		return "unknown"
	}
}

// noCopy makes go vet report copies of a Context.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Context is the state of one established channel. It is safe for concurrent use;
// its only mutable state are the two counters.
type Context struct {
	_ noCopy

	k2ApplicationData SymmetricKeys
	keyID             KeyID
	vauCid            VauCid
	channelID         string
	version           byte
	isPU              bool

	messageCounter atomic.Uint64
	requestCounter atomic.Uint64
}

// NewContext takes ownership of keys.
func NewContext(keys SymmetricKeys, keyID KeyID, vauCid VauCid, channelID string, isPU bool) *Context {
	return &Context{
		k2ApplicationData: keys,
		keyID:             keyID,
		vauCid:            vauCid,
		channelID:         channelID,
		version:           Version,
		isPU:              isPU,
	}
}

func (c *Context) KeyID() KeyID {
	return c.keyID
}

func (c *Context) VauCid() VauCid {
	return c.vauCid
}

func (c *Context) ChannelID() string {
	return c.channelID
}

func (c *Context) Version() byte {
	return c.version
}

func (c *Context) IsPU() bool {
	return c.isPU
}

// IsSet reports whether keys and KeyID are present.
func (c *Context) IsSet() bool {
	return c != nil && !c.keyID.IsZero() && c.k2ApplicationData.IsSet()
}

// MessageCounter returns the last issued message counter.
func (c *Context) MessageCounter() uint64 {
	return c.messageCounter.Load()
}

// RequestCounter returns the last issued or accepted request counter.
func (c *Context) RequestCounter() uint64 {
	return c.requestCounter.Load()
}

// Clone duplicates the context. Once a session context has been issued this fails
// with ErrContextInUse, because two contexts would then issue the same counters.
func (c *Context) Clone() (*Context, error) {
	if c.messageCounter.Load() != 0 || c.requestCounter.Load() != 0 {
		return nil, ErrContextInUse
	}
	return NewContext(c.k2ApplicationData.clone(), c.keyID, c.vauCid, c.channelID, c.isPU), nil
}

// CreateSessionContexts issues a request/response pair for the next round trip,
// incrementing both counters.
func (c *Context) CreateSessionContexts() SessionContextPair {
	messageCounter := c.messageCounter.Inc()
	requestCounter := c.requestCounter.Inc()
	return c.sessionContexts(messageCounter, requestCounter)
}

// CreateSessionContextsForRequest issues a pair for a received request whose
// counter is taken from the frame header.
func (c *Context) CreateSessionContextsForRequest(requestCounter uint64) SessionContextPair {
	messageCounter := c.messageCounter.Inc()
	c.requestCounter.Store(requestCounter)
	return c.sessionContexts(messageCounter, requestCounter)
}

// CurrentSessionContexts returns a pair for the current counters without incrementing.
func (c *Context) CurrentSessionContexts() SessionContextPair {
	return c.sessionContexts(c.messageCounter.Load(), c.requestCounter.Load())
}

func (c *Context) sessionContexts(messageCounter, requestCounter uint64) SessionContextPair {
	return SessionContextPair{
		Request:  c.sessionContext(ClientToServer, messageCounter, requestCounter),
		Response: c.sessionContext(ServerToClient, messageCounter, requestCounter),
	}
}

func (c *Context) sessionContext(direction Direction, messageCounter, requestCounter uint64) *SessionContext {
	key := c.k2ApplicationData.ClientToServer
	if direction == ServerToClient {
		key = c.k2ApplicationData.ServerToClient
	}
	return &SessionContext{
		key:            key.Clone(),
		keyID:          c.keyID,
		version:        c.version,
		isPU:           c.isPU,
		direction:      direction,
		messageCounter: messageCounter,
		requestCounter: requestCounter,
	}
}

// Close cleanses the key material. The context is unusable afterwards.
func (c *Context) Close() {
	c.k2ApplicationData.Cleanse()
}
