package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDMRoomKeyIsSymmetric(t *testing.T) {
	cases := []struct{ a, b int64 }{
		{10, 20},
		{20, 10},
		{1, 9999999999},
		{42, 7},
	}
	for _, c := range cases {
		assert.Equal(t, DMRoomKey(c.a, c.b), DMRoomKey(c.b, c.a))
	}
	assert.Equal(t, "10_20", DMRoomKey(20, 10))
	assert.Equal(t, "7_42", DMRoomKey(42, 7))
}

func TestNewMessageIDStaysInRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		id := NewMessageID()
		assert.GreaterOrEqual(t, id, int64(minMessageID))
		assert.LessOrEqual(t, id, int64(maxMessageID))
	}
}
