package mosaic

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsClientError(t *testing.T) {
	assert.True(t, IsClientError(&UnsupportedOperationError{Store: "http://x", Operation: "update"}))
	assert.True(t, IsClientError(fmt.Errorf("wrapped, %w", &EmptyInputError{})))
	assert.True(t, IsClientError(&VersionError{Version: "0.0.1"}))
	assert.False(t, IsClientError(&NotFoundError{Location: "x"}))
	assert.False(t, IsClientError(errors.New("boom")))
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("permission denied")
	assert.True(t, errors.Is(&NotFoundError{Location: "x", Err: cause}, cause))
	assert.True(t, errors.Is(&ExtractError{Asset: "a", Err: cause}, cause))
	assert.True(t, errors.Is(&ReadError{Asset: "a", Err: ErrNoData}, ErrNoData))
}

func TestParseNodata(t *testing.T) {
	v, err := ParseNodata("")
	assert.Nil(t, err)
	assert.Nil(t, v)

	v, err = ParseNodata("-9999")
	assert.Nil(t, err)
	assert.Equal(t, -9999.0, *v)

	v, err = ParseNodata("NaN")
	assert.Nil(t, err)
	assert.True(t, math.IsNaN(*v))

	_, err = ParseNodata("none")
	assert.NotNil(t, err)
}
