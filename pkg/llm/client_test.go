package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feed(chunks ...Chunk) <-chan Chunk {
	ch := make(chan Chunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch
}

func TestCollect(t *testing.T) {
	text, usage, err := Collect(feed(
		TextChunk{Text: "Hello"},
		ThinkingChunk{Text: "ignored"},
		TextChunk{Text: ", world"},
		UsageChunk{InputTokens: 12, OutputTokens: 3},
	))
	require.NoError(t, err)
	assert.Equal(t, "Hello, world", text)
	require.NotNil(t, usage)
	assert.Equal(t, 12, usage.InputTokens)
	assert.Equal(t, 3, usage.OutputTokens)
}

func TestCollectStopsOnErrorChunk(t *testing.T) {
	streamErr := errors.New("connection reset")
	text, _, err := Collect(feed(
		TextChunk{Text: "partial"},
		ErrorChunk{Err: streamErr},
		TextChunk{Text: "never seen"},
	))
	assert.ErrorIs(t, err, streamErr)
	assert.Equal(t, "partial", text)
}

func TestCollectWithCallback(t *testing.T) {
	var got []string
	text, _, err := CollectWithCallback(feed(
		TextChunk{Text: "a"},
		TextChunk{Text: "b"},
		TextChunk{Text: "c"},
	), func(s string) error {
		got = append(got, s)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "abc", text)
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestCollectWithCallbackAborts(t *testing.T) {
	cbErr := errors.New("router gone")
	text, _, err := CollectWithCallback(feed(
		TextChunk{Text: "a"},
		TextChunk{Text: "b"},
	), func(string) error {
		return cbErr
	})
	assert.ErrorIs(t, err, cbErr)
	assert.Equal(t, "a", text)
}

func TestScriptedClientPlaysQueue(t *testing.T) {
	client := NewScriptedClient().
		Script("roast", &ScriptedResponse{Chunks: []string{"first "}, Err: errors.New("flaky")}).
		ScriptText("roast", "second try")

	ctx := context.Background()

	stream, err := client.Generate(ctx, &GenerateInput{Task: "roast"})
	require.NoError(t, err)
	text, _, err := Collect(stream)
	assert.Error(t, err)
	assert.Equal(t, "first ", text)

	// Queue advanced; the last response replays from here on.
	for i := 0; i < 2; i++ {
		stream, err = client.Generate(ctx, &GenerateInput{Task: "roast"})
		require.NoError(t, err)
		text, _, err = Collect(stream)
		require.NoError(t, err)
		assert.Equal(t, "second try", text)
	}

	assert.Equal(t, []string{"roast", "roast", "roast"}, client.Calls())
}

func TestScriptedClientUnknownTask(t *testing.T) {
	client := NewScriptedClient()
	_, err := client.Generate(context.Background(), &GenerateInput{Task: "summary"})
	assert.Error(t, err)
}

func TestScriptedClientUsage(t *testing.T) {
	client := NewScriptedClient().Script("summary", &ScriptedResponse{
		Chunks: []string{"short"},
		Usage:  &Usage{InputTokens: 100, OutputTokens: 5},
	})

	stream, err := client.Generate(context.Background(), &GenerateInput{Task: "summary"})
	require.NoError(t, err)
	text, usage, err := Collect(stream)
	require.NoError(t, err)
	assert.Equal(t, "short", text)
	require.NotNil(t, usage)
	assert.Equal(t, 100, usage.InputTokens)
}
