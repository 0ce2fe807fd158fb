package eventbus

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu      sync.Mutex
	sent    []sentMessage
	failErr error
	closed  bool
}

type sentMessage struct {
	channel string
	body    []byte
}

func (f *fakeBackend) Send(channel string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return f.failErr
	}
	f.sent = append(f.sent, sentMessage{channel: channel, body: body})
	return nil
}

func (f *fakeBackend) Close() error {
	f.closed = true
	return nil
}

func TestPublishWrapsPayloadInEnvelope(t *testing.T) {
	backend := &fakeBackend{}
	p := New(backend, zerolog.Nop())

	p.Publish("events:dex-comparison", map[string]string{"selectedDex": "orca"})

	require.Len(t, backend.sent, 1)
	assert.Equal(t, "events:dex-comparison", backend.sent[0].channel)

	var env Envelope
	require.NoError(t, json.Unmarshal(backend.sent[0].body, &env))
	assert.Equal(t, "events:dex-comparison", env.Type)
	assert.NotEmpty(t, env.ID)
	assert.NotEmpty(t, env.Timestamp)
	assert.JSONEq(t, `{"selectedDex":"orca"}`, string(env.Data))
}

func TestPublishAssignsUniqueMonotonicIDs(t *testing.T) {
	backend := &fakeBackend{}
	p := New(backend, zerolog.Nop())

	p.Publish("a", 1)
	p.Publish("a", 2)

	require.Len(t, backend.sent, 2)
	var first, second Envelope
	require.NoError(t, json.Unmarshal(backend.sent[0].body, &first))
	require.NoError(t, json.Unmarshal(backend.sent[1].body, &second))
	assert.NotEqual(t, first.ID, second.ID)
}

// TestPublishSwallowsBackendFailure exercises spec.md §4.6's guarantee that a
// publish failure must never propagate back to (or block) the caller.
func TestPublishSwallowsBackendFailure(t *testing.T) {
	backend := &fakeBackend{failErr: fmt.Errorf("broker unreachable")}
	p := New(backend, zerolog.Nop())

	assert.NotPanics(t, func() {
		p.Publish("events:dex-comparison", map[string]string{})
	})
}

func TestPublishSwallowsUnmarshalablePayload(t *testing.T) {
	backend := &fakeBackend{}
	p := New(backend, zerolog.Nop())

	assert.NotPanics(t, func() {
		p.Publish("bad", make(chan int))
	})
	assert.Empty(t, backend.sent, "a payload that can't be marshaled must not reach the backend")
}

func TestCloseDelegatesToBackend(t *testing.T) {
	backend := &fakeBackend{}
	p := New(backend, zerolog.Nop())
	require.NoError(t, p.Close())
	assert.True(t, backend.closed)
}
