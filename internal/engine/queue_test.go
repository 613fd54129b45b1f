package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDueHeap_OrdersByDueTime(t *testing.T) {
	var h dueHeap

	h.push(&queueItem{targetID: 3, dueAt: 300})
	h.push(&queueItem{targetID: 1, dueAt: 100})
	h.push(&queueItem{targetID: 2, dueAt: 200})

	var order []int64
	for item := h.pop(); item != nil; item = h.pop() {
		order = append(order, item.targetID)
	}

	assert.Equal(t, []int64{1, 2, 3}, order)
}

func TestDueHeap_ManualWinsTies(t *testing.T) {
	var h dueHeap

	h.push(&queueItem{targetID: 1, dueAt: 100})
	h.push(&queueItem{targetID: 2, dueAt: 100, manual: true})

	first := h.pop()
	require.NotNil(t, first)
	assert.Equal(t, int64(2), first.targetID)
	assert.True(t, first.manual)
}

func TestDueHeap_PeekDoesNotRemove(t *testing.T) {
	var h dueHeap

	assert.Nil(t, h.peek())

	h.push(&queueItem{targetID: 1, dueAt: 100})

	require.NotNil(t, h.peek())
	assert.Equal(t, int64(1), h.peek().targetID)
	assert.Equal(t, 1, h.Len())
}

func TestDueHeap_PopEmptyReturnsNil(t *testing.T) {
	var h dueHeap

	assert.Nil(t, h.pop())
}
