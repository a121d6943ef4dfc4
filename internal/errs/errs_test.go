package errs

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorString(t *testing.T) {
	assert.Equal(t, "NotFound: no such object", New(NotFound, "no such object").Error())
	assert.Equal(t, "ValidationFailure: uid: must be positive", Field(ValidationFailure, "uid", "must be %s", "positive").Error())
	assert.Equal(t, "QuerySyntaxError at position 7: unexpected end", At(QuerySyntaxError, 7, "unexpected end").Error())
	assert.Equal(t, "UniquenessConflict: alice is taken", Newf(UniquenessConflict, "%s is taken", "alice").Error())
}

func TestIsThroughWrapping(t *testing.T) {
	err := Wrapf(New(ConcurrentEditConflict, "user 1:4 is checked out"), "edit %d", 4)
	assert.True(t, Is(err, ConcurrentEditConflict))
	assert.False(t, Is(err, NotFound))
	assert.Equal(t, ConcurrentEditConflict, CodeOf(err))

	e, ok := As(Wrap(err, "outer"))
	require.True(t, ok)
	assert.Equal(t, "user 1:4 is checked out", e.Message)

	assert.Equal(t, Code(""), CodeOf(io.EOF))
	_, ok = As(errors.New("plain"))
	assert.False(t, ok)
}

func TestDurability(t *testing.T) {
	assert.NoError(t, Durability(nil, "append"))

	err := Durability(io.ErrShortWrite, "journal append")
	assert.True(t, Is(err, DurabilityFailure))
	assert.Contains(t, err.Error(), "journal append: short write")
}
