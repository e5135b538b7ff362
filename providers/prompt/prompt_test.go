package prompt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThinkSplitterPassthrough(t *testing.T) {
	var s thinkSplitter
	chunks := s.split("hello ")
	require.Len(t, chunks, 1)
	assert.Equal(t, Chunk{Kind: KindOutput, Text: "hello "}, chunks[0])
	assert.Nil(t, s.split(""))
}

func TestThinkSplitterAccumulatesUntilClose(t *testing.T) {
	var s thinkSplitter
	assert.Nil(t, s.split("<think>first "))
	assert.Nil(t, s.split("second "))
	chunks := s.split("third</think>rest")
	require.Len(t, chunks, 2)
	assert.Equal(t, Chunk{Kind: KindThink, Text: "first second third"}, chunks[0])
	assert.Equal(t, Chunk{Kind: KindOutput, Text: "rest"}, chunks[1])

	// After the think block closes, text flows through as output again.
	chunks = s.split("<story>")
	require.Len(t, chunks, 1)
	assert.Equal(t, KindOutput, chunks[0].Kind)
}

func TestThinkSplitterSingleChunk(t *testing.T) {
	var s thinkSplitter
	chunks := s.split("<think>plan</think><story title=\"t\">")
	require.Len(t, chunks, 2)
	assert.Equal(t, Chunk{Kind: KindThink, Text: "plan"}, chunks[0])
	assert.Equal(t, Chunk{Kind: KindOutput, Text: "<story title=\"t\">"}, chunks[1])
}

func TestParseJSONBlock(t *testing.T) {
	var profile CharacterProfile
	require.NoError(t, ParseJSONBlock("```json\n{\"gender\":\"female\",\"voice\":\"warm\"}\n```", &profile))
	assert.Equal(t, "female", profile.Gender)
	assert.Equal(t, "warm", profile.Voice)

	require.NoError(t, ParseJSONBlock(`{"setting":"noir"}`, &profile))
	assert.Equal(t, "noir", profile.Setting)

	assert.Error(t, ParseJSONBlock("not json", &profile))
}

func TestProfilePrompts(t *testing.T) {
	c := CharacterProfile{Setting: "a", Appearance: "b", Clothing: "c"}
	assert.Equal(t, "a\n\nb\n\n\nc", c.Prompt())

	s := SceneProfile{Setting: "x", Light: "y"}
	assert.Equal(t, "x\n\n\n\ny", s.Prompt())
}
