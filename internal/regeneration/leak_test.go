package regeneration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/streamgrid/playout/internal/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// TestShutdownLeavesNoGoroutines runs several scheduled and active
// regenerations then verifies Shutdown tears down every background
// goroutine the coordinator started.
func TestShutdownLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t)

	proxyID := models.NewULID()
	sourceID := models.NewULID()

	lookup := &fakeProxyLookup{proxies: map[models.ULID][]*models.StreamProxy{
		sourceID: {newTestProxy(proxyID)},
	}}
	runner := &fakeRunner{}
	coord := New(Config{DelaySeconds: 0, MaxConcurrent: 2}, &fakeStateManager{}, lookup, runner, nil)

	coord.HandleEvent(context.Background(), Event{SourceID: sourceID, SourceType: SourceStream})

	require.Eventually(t, func() bool {
		return len(runner.Calls()) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, coord.Shutdown(time.Second))
}
