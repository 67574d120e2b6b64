package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusError struct{ code int }

func (e statusError) Error() string   { return "status error" }
func (e statusError) StatusCode() int { return e.code }

func TestRecoverableError(t *testing.T) {
	err := NewRecoverableError(errors.New("test error"))
	assert.True(t, IsRecoverable(err))
	assert.False(t, IsRecoverable(errors.New("test error")))
	assert.False(t, IsRecoverable(nil))
	assert.Nil(t, NewRecoverableError(nil))
}

func TestRetryExhausts(t *testing.T) {
	count := 0
	err := Do(context.Background(), func() error {
		count++
		return NewRecoverableError(errors.New("test error"))
	}, WithMaxRetries(3), WithBaseWait(time.Millisecond))
	require.Error(t, err)
	assert.Equal(t, "test error", err.Error())
	assert.Equal(t, 3, count)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	count := 0
	err := Do(context.Background(), func() error {
		count++
		return statusError{code: 400}
	}, WithBaseWait(time.Millisecond))
	require.Error(t, err)
	assert.Equal(t, 1, count)
}

func TestRetryStatusCodes(t *testing.T) {
	var retried []int
	count := 0
	err := Do(context.Background(), func() error {
		count++
		if count < 3 {
			return statusError{code: 503}
		}
		return nil
	}, WithBaseWait(time.Millisecond), WithOnRetry(func(attempt int, err error) {
		retried = append(retried, attempt)
	}))
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestRetryContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	count := 0
	err := Do(ctx, func() error {
		count++
		cancel()
		return NewRecoverableError(errors.New("boom"))
	}, WithBaseWait(time.Hour))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, count)
}

func TestShouldRetryStatus(t *testing.T) {
	assert.True(t, ShouldRetryStatus(429))
	assert.True(t, ShouldRetryStatus(504))
	assert.False(t, ShouldRetryStatus(404))
}
