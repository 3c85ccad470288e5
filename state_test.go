package mqttloop

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnState(t *testing.T) {
	t.Run("string representation", func(t *testing.T) {
		assert.Equal(t, "new", ConnStateNew.String())
		assert.Equal(t, "connect_srv", ConnStateConnectSRV.String())
		assert.Equal(t, "connecting", ConnStateConnecting.String())
		assert.Equal(t, "connected", ConnStateConnected.String())
		assert.Equal(t, "disconnecting", ConnStateDisconnecting.String())
		assert.Equal(t, "disconnected", ConnStateDisconnected.String())
		assert.Equal(t, "unknown", ConnState(42).String())
	})

	t.Run("user disconnect", func(t *testing.T) {
		assert.True(t, ConnStateDisconnecting.UserDisconnect())
		assert.True(t, ConnStateDisconnected.UserDisconnect())

		for _, s := range []ConnState{ConnStateNew, ConnStateConnectSRV, ConnStateConnecting, ConnStateConnected} {
			assert.False(t, s.UserDisconnect(), s.String())
		}
	})
}
