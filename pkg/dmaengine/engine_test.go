package dmaengine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunExecutesJobAndReturnsResult(t *testing.T) {
	e, err := New(2)
	require.NoError(t, err)
	defer e.Close()

	var ran bool
	err = e.Run(func() error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestRunPropagatesJobError(t *testing.T) {
	e, err := New(2)
	require.NoError(t, err)
	defer e.Close()

	wantErr := errors.New("copy failed")
	err = e.Run(func() error { return wantErr })
	assert.ErrorIs(t, err, wantErr)
}

func TestStageUnstageRoundTrip(t *testing.T) {
	buf := Stage(16)
	defer Unstage(buf)
	assert.Len(t, buf.B, 16)
}

func TestRunHandlesManyConcurrentJobs(t *testing.T) {
	e, err := New(4)
	require.NoError(t, err)
	defer e.Close()

	const n = 50
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			errs <- e.Run(func() error { return nil })
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}
}
