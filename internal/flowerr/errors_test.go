package flowerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentinelsMatchWrappedErrors(t *testing.T) {
	err := fmt.Errorf("update flow: %w", ConcurrencyConflict("f-1"))
	assert.True(t, errors.Is(err, ErrConcurrencyConflict))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.True(t, IsRetryable(err))

	nf := fmt.Errorf("get: %w", NotFound("f-2"))
	assert.True(t, errors.Is(nf, ErrNotFound))
	assert.False(t, IsRetryable(nf))
}

func TestCategoryOf(t *testing.T) {
	assert.Equal(t, CatValidation, CategoryOf(Validation(CodeInvalidPhase, "bad phase")))
	assert.Equal(t, CatConflict, CategoryOf(DuplicateFlow("f")))
	assert.Equal(t, CatStorage, CategoryOf(errors.New("boom")))
	assert.False(t, IsCategory(nil, CatStorage))
}

func TestStorageKeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Storage("list flows", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestNotFoundMessageDoesNotLeakTenant(t *testing.T) {
	assert.Equal(t, "[not_found] FLOW_NOT_FOUND: flow not found: abc", NotFound("abc").Error())
}
