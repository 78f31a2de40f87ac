package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateGatewayReportsZerosUntilFed(t *testing.T) {
	gateway := NewStateGateway()
	require.NoError(t, gateway.Connect(context.Background(), 1, 4))

	guilds, err := gateway.GuildCount(1)
	require.NoError(t, err)
	assert.Zero(t, guilds)
	latency, err := gateway.Latency(1)
	require.NoError(t, err)
	assert.Zero(t, latency)

	gateway.SetGuilds(1, 40, 900)
	gateway.SetLatency(1, 55*time.Millisecond)

	guilds, err = gateway.GuildCount(1)
	require.NoError(t, err)
	assert.Equal(t, int64(40), guilds)
	members, err := gateway.MemberCount(1)
	require.NoError(t, err)
	assert.Equal(t, int64(900), members)
	latency, err = gateway.Latency(1)
	require.NoError(t, err)
	assert.Equal(t, 55*time.Millisecond, latency)
}

func TestStateGatewayDisconnectFailsReads(t *testing.T) {
	gateway := NewStateGateway()
	require.NoError(t, gateway.Connect(context.Background(), 0, 2))
	gateway.SetGuilds(0, 12, 300)

	gateway.Disconnect(0)
	_, err := gateway.GuildCount(0)
	assert.Error(t, err)
	_, err = gateway.Latency(0)
	assert.Error(t, err)

	// Reconnecting keeps the last totals the client reported.
	require.NoError(t, gateway.Connect(context.Background(), 0, 2))
	guilds, err := gateway.GuildCount(0)
	require.NoError(t, err)
	assert.Equal(t, int64(12), guilds)
}

func TestStateGatewayUpdatesBeforeConnectAreKept(t *testing.T) {
	gateway := NewStateGateway()
	gateway.SetGuilds(3, 7, 70)

	_, err := gateway.GuildCount(3)
	require.Error(t, err)

	require.NoError(t, gateway.Connect(context.Background(), 3, 4))
	guilds, err := gateway.GuildCount(3)
	require.NoError(t, err)
	assert.Equal(t, int64(7), guilds)
}
