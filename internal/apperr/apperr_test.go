package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOfWrapped(t *testing.T) {
	err := fmt.Errorf("fetch: %w", Storage(context.DeadlineExceeded))

	assert.Equal(t, CodeStorage, CodeOf(err))
	assert.True(t, Is(err, CodeStorage))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestCodeOfPlainError(t *testing.T) {
	assert.Equal(t, Code(""), CodeOf(errors.New("boom")))
	assert.False(t, Is(nil, CodeNotFound))
}

func TestErrorMessageKeepsCauseOutOfMessageField(t *testing.T) {
	err := Storage(errors.New("connection refused 10.0.0.3:27017"))

	var ae *AppError
	if assert.True(t, errors.As(err, &ae)) {
		assert.Equal(t, "storage unavailable", ae.Message)
		assert.Contains(t, ae.Error(), "connection refused")
	}
}
