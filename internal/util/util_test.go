package util

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatBytes(t *testing.T) {
	testCases := []struct {
		in   float64
		want string
	}{
		{0, " 0.0   B"},
		{99, "99.0   B"},
		{1536, " 1.5 KiB"},
		{100 * 1024, " 0.1 MiB"},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, formatBytes(tc.in))
		assert.Len(t, formatBytes(tc.in), 8)
	}
}

func TestConnIDStable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	c, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, ConnID(c), ConnID(c))
}

func TestMailboxRunsInOrder(t *testing.T) {
	m := NewMailbox()
	done := make(chan struct{})
	go func() {
		m.Run()
		close(done)
	}()

	var mu sync.Mutex
	var got []int
	var wg sync.WaitGroup
	wg.Add(100)
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, m.Post(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			wg.Done()
		}))
	}
	wg.Wait()

	for i, v := range got {
		assert.Equal(t, i, v)
	}

	m.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}
	assert.False(t, m.Post(func() {}))
}

func TestMailboxCloseFromInside(t *testing.T) {
	m := NewMailbox()
	ran := 0
	m.Post(func() { ran++; m.Close() })
	m.Post(func() { ran++ })
	m.Run()
	assert.Equal(t, 1, ran)
}
