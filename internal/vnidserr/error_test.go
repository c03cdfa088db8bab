package vnidserr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(KindIO, "read socket", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "io: read socket: boom", err.Error())
}

func TestError_New_NoCause(t *testing.T) {
	err := New(KindParse, "unknown event_type")
	assert.Equal(t, "parse: unknown event_type", err.Error())
	assert.Nil(t, err.Unwrap())
}

func TestCodeOf_InvalidErrorCarriesItsCode(t *testing.T) {
	err := Invalid(CodeInvalidConfigKey, "invalid config key")
	assert.Equal(t, CodeInvalidConfigKey, CodeOf(err))
}

func TestCodeOf_KindOnlyErrorFallsBackToInternal(t *testing.T) {
	err := New(KindSubprocess, "supervisor: already started")
	assert.Equal(t, CodeInternal, CodeOf(err))
}

func TestCodeOf_StringifiedInvalidErrorFallsBackToInternal(t *testing.T) {
	err := errors.New("wrapping test: " + Invalid(CodeRuleParse, "bad rule").Error())
	// A plain error with no *Error in its chain always falls back.
	assert.Equal(t, CodeInternal, CodeOf(err))
}

func TestCodeOf_PlainError(t *testing.T) {
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
}
