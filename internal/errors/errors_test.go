package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapPreservesSentinel(t *testing.T) {
	err := Wrapf(ErrSymbolNotFound, "looking up %s", "EURUSD")
	assert.True(t, Is(err, ErrSymbolNotFound))
	assert.Equal(t, "looking up EURUSD: symbol not found", err.Error())
	assert.Nil(t, Wrap(nil, "ignored"))
}

func TestTypedErrorsUnwrap(t *testing.T) {
	err := fmt.Errorf("outer: %w", NewValidationError("value", "abc", "not a number", ErrInvalidDecimal))
	assert.True(t, Is(err, ErrInvalidDecimal))

	var verr *ValidationError
	assert.True(t, As(err, &verr))
	assert.Equal(t, "value", verr.Field)

	lerr := NewListenerError("bus", "tick", Recovered("boom"))
	assert.Contains(t, lerr.Error(), "panic: boom")

	derr := NewDataError("ticks", "EURUSD", "bad row", ErrDataNotFound)
	assert.True(t, Is(derr, ErrDataNotFound))
}
