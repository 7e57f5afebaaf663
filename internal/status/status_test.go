package status

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComposeDecompose(t *testing.T) {
	contexts := []Context{CtxUnspecified, CtxTspAuthentication, CtxTeardown, 0x7FFF, 0xFFFF}
	numbers := []Number{Success, SocketIO, TunnelIO, EventBrokerRedirection, 0xFFFF}

	for _, c := range contexts {
		for _, n := range numbers {
			s := Make(c, n)
			assert.Equal(t, c, s.Context())
			assert.Equal(t, n, s.Number())
		}
	}
}

func TestSuccessIgnoresContext(t *testing.T) {
	assert.True(t, Make(CtxTunnelLoop, Success).Success())
	assert.True(t, OK.Success())
	assert.False(t, Make(CtxUnspecified, KeepaliveTimeout).Success())
}

func TestNames(t *testing.T) {
	assert.Equal(t, "TSP authentication", CtxTspAuthentication.String())
	assert.Equal(t, "context(42)", Context(42).String())
	assert.Equal(t, "broker redirection event", EventBrokerRedirection.String())
	assert.Equal(t, "TSP capabilities: server too busy (12)", Make(CtxTspCapabilities, TspServerTooBusy).String())
}

func TestNumbersMatchWireValues(t *testing.T) {
	// Process exit codes depend on these values.
	assert.EqualValues(t, 9, FailSocketConnect)
	assert.EqualValues(t, 14, ErrBrokerRedirection)
	assert.EqualValues(t, 21, KeepaliveTimeout)
	assert.EqualValues(t, 23, TunnelIO)
	assert.EqualValues(t, 0xE001, EventBrokerRedirection)
}
