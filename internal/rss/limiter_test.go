package rss

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostKeyNormalizes(t *testing.T) {
	assert.Equal(t, "example.com", hostKey("http://Example.COM:80/feed"))
	assert.Equal(t, "example.com", hostKey("example.com/feed.xml"))
	assert.Equal(t, "example.com:8080", hostKey("https://example.com:8080/x"))
	assert.Equal(t, "", hostKey(""))
}

func TestHostGateSpacesRequestsToOneHost(t *testing.T) {
	g := newHostGate(50 * time.Millisecond)
	ctx := context.Background()

	done, err := g.wait(ctx, "http://example.com/a")
	require.NoError(t, err)
	done()

	start := time.Now()
	done, err = g.wait(ctx, "http://EXAMPLE.com:80/b")
	require.NoError(t, err)
	done()
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond, "same host after normalization")

	start = time.Now()
	done, err = g.wait(ctx, "http://other.example/")
	require.NoError(t, err)
	done()
	assert.Less(t, time.Since(start), 40*time.Millisecond, "other hosts are not delayed")
}

func TestHostGateCapsConcurrency(t *testing.T) {
	g := newHostGate(0)
	ctx := context.Background()

	var held []func()
	for i := 0; i < MaxConcurrencyPerDomain; i++ {
		done, err := g.wait(ctx, "http://example.com/")
		require.NoError(t, err)
		held = append(held, done)
	}

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err := g.wait(short, "http://example.com/")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	held[0]()
	done, err := g.wait(ctx, "http://example.com/")
	require.NoError(t, err)
	done()
	held[1]()
}
