package helpers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetSplitPart(t *testing.T) {
	part, err := GetSplitPart("/product/detail/12345", "/", 3)
	assert.NoError(t, err)
	assert.Equal(t, "12345", part)

	part, err = GetSplitPart("/product/detail/12345", "/", -1)
	assert.NoError(t, err)
	assert.Equal(t, "12345", part)

	_, err = GetSplitPart("a/b", "/", 5)
	assert.Error(t, err)
	_, err = GetSplitPart("a/b", "/", -3)
	assert.Error(t, err)
}
