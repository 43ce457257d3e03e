package groutine

import (
	"context"
	"runtime/pprof"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGo_NamesGoroutineAndSignalsDone(t *testing.T) {
	names := make(chan string, 1)
	labels := make(chan string, 1)

	done := Go(context.Background(), "worker-42", func(ctx context.Context) {
		names <- GetName(ctx)
		v, _ := pprof.Label(ctx, "goroutine_name")
		labels <- v
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		require.Fail(t, "goroutine MUST finish")
	}
	assert.Equal(t, "worker-42", <-names)
	assert.Equal(t, "worker-42", <-labels, "MUST attach the pprof label")
}

func TestGo_NilParent(t *testing.T) {
	//nolint:staticcheck // nil parent is part of the contract
	done := Go(nil, "orphan", func(ctx context.Context) {})
	select {
	case <-done:
	case <-time.After(time.Second):
		require.Fail(t, "goroutine MUST finish")
	}
}

func TestGetName_Unnamed(t *testing.T) {
	assert.Equal(t, "", GetName(context.Background()))
	//nolint:staticcheck // nil context is tolerated
	assert.Equal(t, "", GetName(nil))
}
