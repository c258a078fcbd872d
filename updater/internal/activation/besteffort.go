package activation

import (
	log "github.com/sirupsen/logrus"
)

// bestEffort runs fn and logs its error. Background paths use it for steps that must not
// stop the rollback or activation they are part of.
func (c *Controller) bestEffort(op string, fn func() error) bool {
	if err := fn(); err != nil {
		log.Errorf("failed to %s: %v", op, err)
		return false
	}
	return true
}
