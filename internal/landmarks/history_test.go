package landmarks

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHistoryWrapsAndResets(t *testing.T) {
	h := NewHistory[int](3)
	for i := 1; i <= 4; i++ {
		h.Push(i)
	}
	assert.Equal(t, []int{2, 3, 4}, h.Snapshot())
	assert.Equal(t, 3, h.Len())

	h.Reset()
	assert.Empty(t, h.Snapshot())

	h.Push(9)
	assert.Equal(t, []int{9}, h.Snapshot())
}
