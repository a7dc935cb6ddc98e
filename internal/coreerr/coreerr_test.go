package coreerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/viproma/coral-sub001/internal/model"
)

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(CodeDataTimeout, model.SlaveID(3), cause, "timed out waiting for inputs")

	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "slave 3")
	assert.True(t, IsDataTimeout(err))
	assert.False(t, IsAborted(err))
}

func TestPreconditionViolation(t *testing.T) {
	err := PreconditionViolation("Step", "Reconfiguring")
	assert.Equal(t, CodePreconditionViolation, err.Code)
	assert.Contains(t, err.Error(), "Step")
}

func TestErrCommThreadDead(t *testing.T) {
	cause := errors.New("panic: nil pointer")
	err := ErrCommThreadDead(cause)
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "comm thread dead")
}
