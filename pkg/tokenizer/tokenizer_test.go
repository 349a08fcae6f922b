package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GridLLM/GridLLM/pkg/gwtypes"
)

func TestEstimator_CountEmptyStringIsZero(t *testing.T) {
	e, err := New()
	require.NoError(t, err)
	assert.Equal(t, 0, e.Count(""))
}

func TestEstimator_CountIsPositiveForText(t *testing.T) {
	e, err := New()
	require.NoError(t, err)
	assert.Greater(t, e.Count("hello, world!"), 0)
}

func TestEstimator_LongerTextCountsAtLeastAsHigh(t *testing.T) {
	e, err := New()
	require.NoError(t, err)
	short := e.Count("hello")
	long := e.Count("hello, this is a much longer sentence with many more tokens in it")
	assert.Greater(t, long, short)
}

func TestEstimator_CountMessagesIncludesPerMessageOverhead(t *testing.T) {
	e, err := New()
	require.NoError(t, err)
	messages := []gwtypes.ChatMessage{
		{Role: "user", Content: "hi"},
	}
	total := e.CountMessages(messages)
	assert.Equal(t, 4+e.Count("user")+e.Count("hi"), total)
}
