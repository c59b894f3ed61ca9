package queue

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequeueable(t *testing.T) {
	handlerErr := errors.New("pipeline blew up")

	t.Run("HandlerErrorRetries", func(t *testing.T) {
		assert.True(t, requeueable(handlerErr, 1, 3))
		assert.True(t, requeueable(handlerErr, 2, 3))
	})

	t.Run("ExhaustedAttemptsDrop", func(t *testing.T) {
		assert.False(t, requeueable(handlerErr, 3, 3), "final delivery must not loop forever")
		assert.False(t, requeueable(handlerErr, 4, 3))
	})

	t.Run("PoisonNeverRetries", func(t *testing.T) {
		assert.False(t, requeueable(WrapPoisonError(handlerErr), 1, 3))
	})

	t.Run("ZeroCeilingMeansUnlimited", func(t *testing.T) {
		assert.True(t, requeueable(handlerErr, 1000, 0))
	})
}
