package natsync

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/dkeye/soundrooms/internal/core"
)

func TestStreamName(t *testing.T) {
	assert.Equal(t, "SERVER-SYNC-DEV", streamName("server-sync-dev"))
	assert.Equal(t, "SERVER_SYNC_A_B", streamName("server.sync a*b"))
}

func natsURL(t *testing.T) string {
	t.Helper()
	if os.Getenv("SOUNDROOMS_INTEGRATION") != "1" {
		t.Skip("set SOUNDROOMS_INTEGRATION=1 to run against a NATS container")
	}
	ctx := context.Background()
	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{
			Image:        "nats:2.10-alpine",
			Cmd:          []string{"-js"},
			ExposedPorts: []string{"4222/tcp"},
			WaitingFor:   wait.ForLog("Server is ready").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	tc.CleanupContainer(t, c)
	require.NoError(t, err)

	endpoint, err := c.PortEndpoint(ctx, "4222/tcp", "nats")
	require.NoError(t, err)
	return endpoint
}

type inbox struct {
	mu   sync.Mutex
	msgs []string
}

func (i *inbox) add(b []byte) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.msgs = append(i.msgs, string(b))
}

func (i *inbox) len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.msgs)
}

func TestChannelOverJetStream(t *testing.T) {
	url := natsURL(t)
	ctx := context.Background()

	a, err := Dial(url, "server-sync-test")
	require.NoError(t, err)
	defer a.Close()
	b, err := Dial(url, "server-sync-test")
	require.NoError(t, err)
	defer b.Close()

	var gotA, gotB inbox
	require.NoError(t, a.Subscribe("server-sync-test-a", gotA.add))
	require.NoError(t, b.Subscribe("server-sync-test-b", gotB.add))

	require.NoError(t, a.Publish(ctx, []byte(`{"from":"a"}`)))
	require.Eventually(t, func() bool { return gotA.len() == 1 && gotB.len() == 1 }, 5*time.Second, 20*time.Millisecond)

	// b cleans up after a as it would after a dead peer.
	require.NoError(t, b.DeleteSubscription(ctx, "server-sync-test-a"))
	assert.ErrorIs(t, b.DeleteSubscription(ctx, "server-sync-test-a"), core.ErrSubscriptionNotFound)

	require.NoError(t, b.Publish(ctx, []byte(`{"from":"b"}`)))
	require.Eventually(t, func() bool { return gotB.len() == 2 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, gotA.len())
}
