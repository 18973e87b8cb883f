package taperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_WrapAndInspect(t *testing.T) {
	cause := errors.New("connection reset")
	err := fmt.Errorf("segment fetch: %w", Wrap(XHRNetwork, SeverityError, cause))

	assert.Equal(t, XHRNetwork, CodeOf(err))
	assert.False(t, IsFatal(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "XHR_NETWORK [ERROR]: connection reset")
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(New(CDNExhausted, SeverityFatal, "no more origins")))
	assert.False(t, IsFatal(errors.New("plain")))
	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
}
