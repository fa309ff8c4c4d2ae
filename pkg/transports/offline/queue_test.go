package offline

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/switchboard/pkg/protocol"
)

func TestQueueDrainsInOrderExactlyOnce(t *testing.T) {
	q := NewQueue()
	for i := 0; i < 5; i++ {
		q.Push("chat", protocol.Payload{"seq": i})
	}
	require.Equal(t, 5, q.Len())

	envs := q.Drain()
	require.Len(t, envs, 5)
	for i, env := range envs {
		require.Equal(t, "chat", env.Cmd)
		require.Equal(t, i, env.Payload["seq"], fmt.Sprintf("envelope %d out of order", i))
	}

	require.Empty(t, q.Drain(), "second drain must not replay")
	require.Equal(t, 0, q.Len())
}
