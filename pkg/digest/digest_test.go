package digest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyIsLengthPrefixed(t *testing.T) {
	assert.NotEqual(t, Key("ab", "c"), Key("a", "bc"))
	assert.Equal(t, Key("a", "b"), Key("a", "b"))
	assert.Len(t, Key("x"), 64)
}

func TestChainDependsOnEveryInput(t *testing.T) {
	base := Chain("", 1, []byte(`{}`))
	assert.NotEqual(t, base, Chain("x", 1, []byte(`{}`)))
	assert.NotEqual(t, base, Chain("", 2, []byte(`{}`)))
	assert.NotEqual(t, base, Chain("", 1, []byte(`[]`)))
	assert.Equal(t, base, Chain("", 1, []byte(`{}`)))
}

func TestSum(t *testing.T) {
	// BLAKE2b-256 of the empty input.
	assert.Equal(t, "0e5751c026e543b2e8ab2eb06099daa1d1e5df47778f7787faab45cdf12fe3a8", Sum(nil))
}
