package reply

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockIntents(t *testing.T) {
	m := NewMock()

	for _, tc := range []struct {
		msg    string
		intent string
	}{
		{"还能便宜点吗", "price"},
		{"can you give a discount", "price"},
		{"这个成色怎么样", "tech"},
		{"what model is this", "tech"},
		{"你好，在吗", "default"},
	} {
		reply, err := m.GenerateReply(context.Background(), tc.msg, "desc", nil)
		require.NoError(t, err)
		assert.Equal(t, tc.intent, reply.Intent, "message %q", tc.msg)
		assert.NotEmpty(t, reply.Text)
	}
}

func TestMockDeterministic(t *testing.T) {
	m := NewMock()

	a, err := m.GenerateReply(context.Background(), "多少钱", "desc", nil)
	require.NoError(t, err)
	b, err := m.GenerateReply(context.Background(), "多少钱", "desc", nil)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
