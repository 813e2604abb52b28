package devserver

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/putto11262002/chatter-sync/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBroker(t *testing.T, b Broker) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *core.Frame, 1)
	done := make(chan error, 1)
	go func() {
		done <- b.Run(ctx, func(f *core.Frame) {
			select {
			case received <- f:
			default:
			}
		})
	}()

	f, err := core.NewFrame(core.TypingStartEvent, core.ChannelName("c1"), core.TypingEvent{
		ConversationID: "c1",
		UserName:       "bob",
		AuthorKind:     core.Visitor,
	})
	require.NoError(t, err)

	// The redis subscription may not be ready on the first publish.
	require.Eventually(t, func() bool {
		if err := b.Publish(ctx, f); err != nil {
			return false
		}
		select {
		case got := <-received:
			assert.Equal(t, f.Type, got.Type)
			assert.Equal(t, f.Channel, got.Channel)
			assert.JSONEq(t, string(f.Payload), string(got.Payload))
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, baseTimeout, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(baseTimeout):
		t.Fatal("broker did not stop")
	}
}

func TestMemoryBroker(t *testing.T) {
	b := NewMemoryBroker()
	defer b.Close()
	testBroker(t, b)
}

func TestRedisBroker(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	b := NewRedisBroker(addr, testLogger)
	defer b.Close()
	require.NoError(t, b.Ping(context.Background()))
	testBroker(t, b)
}
