// Package semaphoregroup bounds how many callers run a section at the same time.
package semaphoregroup

import (
	"context"
)

// SemaphoreGroup hands out a fixed number of slots
type SemaphoreGroup struct {
	slots chan struct{}
}

// NewSemaphoreGroup creates a group with limit slots. A limit below 1 is treated as 1.
func NewSemaphoreGroup(limit int) *SemaphoreGroup {
	if limit < 1 {
		limit = 1
	}
	return &SemaphoreGroup{
		slots: make(chan struct{}, limit),
	}
}

// Add blocks until a slot is free or ctx is done
func (sg *SemaphoreGroup) Add(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case sg.slots <- struct{}{}:
		return nil
	}
}

// Done releases a slot. Must be called after a successful Add.
func (sg *SemaphoreGroup) Done() {
	<-sg.slots
}

// InUse returns the number of taken slots
func (sg *SemaphoreGroup) InUse() int {
	return len(sg.slots)
}
