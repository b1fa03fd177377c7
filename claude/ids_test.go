package claude

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewRequestID_NonEmptyAndUnique(t *testing.T) {
	t.Parallel()
	a := newRequestID()
	b := newRequestID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 26) // ULID's canonical Crockford base32 encoding length.
}

func TestNewCallbackID_NonEmptyAndUnique(t *testing.T) {
	t.Parallel()
	a := newCallbackID()
	b := newCallbackID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

func TestNewSubscriberRef_NonEmptyAndUnique(t *testing.T) {
	t.Parallel()
	a := newSubscriberRef()
	b := newSubscriberRef()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

func TestIDs_ManyDrawsStayUnique(t *testing.T) {
	t.Parallel()
	seen := make(map[string]struct{}, 100)
	for i := 0; i < 100; i++ {
		id := newRequestID()
		_, dup := seen[id]
		assert.False(t, dup, "unexpected duplicate id %q", id)
		seen[id] = struct{}{}
	}
}
