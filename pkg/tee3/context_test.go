package tee3

import (
	"bytes"
	"sync"
	"testing"

	"github.com/gematik/tee3/pkg/sensitive"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestContext(isPU bool) *Context {
	var keyID KeyID
	keyID[31] = 1
	keys := SymmetricKeys{
		ClientToServer: sensitive.New(bytes.Repeat([]byte{1}, symmetricKeySize)),
		ServerToClient: sensitive.New(bytes.Repeat([]byte{2}, symmetricKeySize)),
	}
	return NewContext(keys, keyID, "/VAU/v1/c/p/x", "x", isPU)
}

func TestContextCounters(t *testing.T) {
	ctx := newTestContext(false)
	assert.Zero(t, ctx.MessageCounter())
	assert.Zero(t, ctx.RequestCounter())

	current := ctx.CurrentSessionContexts()
	assert.Zero(t, current.Request.MessageCounter())

	for i := uint64(1); i <= 3; i++ {
		pair := ctx.CreateSessionContexts()
		assert.Equal(t, i, pair.Request.MessageCounter())
		assert.Equal(t, i, pair.Request.RequestCounter())
		assert.Equal(t, pair.Request.MessageCounter(), pair.Response.MessageCounter())
		assert.Equal(t, pair.Request.RequestCounter(), pair.Response.RequestCounter())
		assert.Equal(t, ClientToServer, pair.Request.Direction())
		assert.Equal(t, ServerToClient, pair.Response.Direction())
		assert.Equal(t, ctx.KeyID(), pair.Response.KeyID())
	}

	current = ctx.CurrentSessionContexts()
	assert.Equal(t, uint64(3), current.Request.MessageCounter())
	assert.Equal(t, uint64(3), ctx.MessageCounter())
}

func TestContextCountersConcurrent(t *testing.T) {
	ctx := newTestContext(false)
	const n = 200

	var mu sync.Mutex
	seen := make(map[uint64]bool, n)
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pair := ctx.CreateSessionContexts()
			mu.Lock()
			seen[pair.Request.MessageCounter()] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
	assert.Equal(t, uint64(n), ctx.MessageCounter())
	assert.Equal(t, uint64(n), ctx.RequestCounter())
}

func TestContextForRequest(t *testing.T) {
	ctx := newTestContext(false)
	pair := ctx.CreateSessionContextsForRequest(17)
	assert.Equal(t, uint64(17), pair.Request.RequestCounter())
	assert.Equal(t, uint64(17), pair.Response.RequestCounter())
	assert.Equal(t, uint64(1), pair.Response.MessageCounter())
	assert.Equal(t, uint64(17), ctx.RequestCounter())
}

func TestContextClone(t *testing.T) {
	ctx := newTestContext(true)
	clone, err := ctx.Clone()
	require.NoError(t, err)
	assert.Equal(t, ctx.KeyID(), clone.KeyID())
	assert.True(t, clone.IsPU())

	clone.Close()
	assert.True(t, ctx.IsSet(), "clone owns its keys")
	assert.False(t, clone.IsSet())

	ctx.CreateSessionContexts()
	_, err = ctx.Clone()
	assert.ErrorIs(t, err, ErrContextInUse)
}

func TestSessionContextSingleUse(t *testing.T) {
	ctx := newTestContext(false)
	factory := NewStreamFactory(WithRandom(seededReader(11)))
	pair := ctx.CreateSessionContexts()

	_, err := factory.Encrypt(pair.Request, []byte("once"))
	require.NoError(t, err)
	_, err = factory.Encrypt(pair.Request, []byte("twice"))
	assert.ErrorIs(t, err, ErrSessionContextUsed)

	assert.True(t, ctx.IsSet(), "session context holds its own key copy")
}

func TestContextIsSet(t *testing.T) {
	var nilCtx *Context
	assert.False(t, nilCtx.IsSet())

	ctx := newTestContext(false)
	assert.True(t, ctx.IsSet())
	ctx.Close()
	assert.False(t, ctx.IsSet())
}
