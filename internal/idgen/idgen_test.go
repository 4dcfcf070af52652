package idgen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("lease_")
	assert.True(t, strings.HasPrefix(id, "lease_"))
	assert.Len(t, id, len("lease_")+32)
	assert.NotEqual(t, id, WithPrefix("lease_"))
}

func TestHex(t *testing.T) {
	assert.Len(t, Hex(8), 16)
	assert.Len(t, New(), 36)
}
