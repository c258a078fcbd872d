package semaphoregroup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSemaphoreGroup(t *testing.T) {
	sg := NewSemaphoreGroup(2)

	require.NoError(t, sg.Add(context.Background()))
	require.NoError(t, sg.Add(context.Background()))
	assert.Equal(t, 2, sg.InUse())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, sg.Add(ctx), context.DeadlineExceeded)

	sg.Done()
	require.NoError(t, sg.Add(context.Background()))
	assert.Equal(t, 2, sg.InUse())
}

func TestSemaphoreGroup_MinimumLimit(t *testing.T) {
	sg := NewSemaphoreGroup(0)
	require.NoError(t, sg.Add(context.Background()))
	assert.Equal(t, 1, sg.InUse())
}
