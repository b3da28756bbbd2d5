package orchestrator

import (
	"context"
	"strings"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrmushfiq/grok-gateway/internal/gateway/upstream"
)

func build(t *testing.T, o *Orchestrator, model string, stream bool, msgs ...openai.ChatCompletionMessage) (*upstream.Payload, error) {
	t.Helper()
	m, ok := upstream.Lookup(model)
	require.True(t, ok)
	return o.BuildPayload(context.Background(), Request{Chat: upstream.ChatRequest{Model: model, Messages: msgs, Stream: stream}}, m)
}

func msg(role, content string) openai.ChatCompletionMessage {
	return openai.ChatCompletionMessage{Role: role, Content: content}
}

func TestBuildPayload_Transcript(t *testing.T) {
	o := New(newPool(credA), &fakeUpstream{}, &fakeRelay{}, &fakeClearance{}, Config{TempConversation: true})

	p, err := build(t, o, "grok-3", false,
		msg("system", "be brief"),
		msg("user", "hello"),
		msg("assistant", "<think>hmm</think>hi there ![image](data:image/png;base64,AAAA)"),
		msg("user", "next"),
	)
	require.NoError(t, err)
	assert.Equal(t, "USER: be brief\nhello\nASSISTANT: hi there [image]\nUSER: next", p.Message)
	assert.Equal(t, "grok-3", p.ModelName)
	assert.True(t, p.Temporary)
	assert.Empty(t, p.FileAttachments)
	assert.NotNil(t, p.FileAttachments)
	assert.False(t, p.ToolOverrides.WebSearch)
	assert.True(t, p.DisableTextFollowUps)
}

func TestBuildPayload_ModelFlags(t *testing.T) {
	o := New(newPool(credA), &fakeUpstream{}, &fakeRelay{}, &fakeClearance{}, Config{})

	p, err := build(t, o, "grok-3-deepersearch", false, msg("user", "q"))
	require.NoError(t, err)
	assert.Equal(t, "deeper", p.DeepsearchPreset)

	p, err = build(t, o, "grok-4-deepsearch", false, msg("user", "q"))
	require.NoError(t, err)
	assert.Equal(t, "grok-4", p.ModelName)
	assert.True(t, p.ToolOverrides.WebSearch)
	assert.True(t, p.ToolOverrides.XPostAnalyze)

	p, err = build(t, o, "grok-3-reasoning", false, msg("user", "q"))
	require.NoError(t, err)
	assert.True(t, p.IsReasoning)

	p, err = build(t, o, "grok-3-imageGen", false, msg("user", "draw"))
	require.NoError(t, err)
	assert.True(t, p.ToolOverrides.ImageGen)
}

func TestBuildPayload_SingleTurn(t *testing.T) {
	o := New(newPool(credA), &fakeUpstream{}, &fakeRelay{}, &fakeClearance{}, Config{})

	p, err := build(t, o, "grok-3-search", false, msg("user", "old"), msg("assistant", "reply"), msg("user", "latest"))
	require.NoError(t, err)
	assert.Equal(t, "USER: latest", p.Message)

	_, err = build(t, o, "grok-3-search", false, msg("user", "q"), msg("assistant", "a"))
	var oe *Error
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, KindConfiguration, oe.Kind)
}

func TestBuildPayload_EmptyMessage(t *testing.T) {
	o := New(newPool(credA), &fakeUpstream{}, &fakeRelay{}, &fakeClearance{}, Config{})

	_, err := build(t, o, "grok-3", false, msg("user", "<think>only thoughts</think>"))
	var oe *Error
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, KindConfiguration, oe.Kind)
}

func TestBuildPayload_Images(t *testing.T) {
	relay := &fakeRelay{}
	o := New(newPool(credA), &fakeUpstream{}, relay, &fakeClearance{}, Config{MaxAttachments: 2})

	var parts []openai.ChatMessagePart
	for i := 0; i < 3; i++ {
		parts = append(parts, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: "data:image/png;base64,AAAA"},
		})
	}
	parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: "what is this?"})

	p, err := build(t, o, "grok-3", false, openai.ChatCompletionMessage{Role: "user", MultiContent: parts})
	require.NoError(t, err)
	assert.Equal(t, []string{"img-1", "img-2"}, p.FileAttachments)
	assert.Len(t, relay.images, 2)
	assert.Equal(t, "USER: [image]\n[image]\n[image]\nwhat is this?", p.Message)
}

func TestBuildPayload_ConvertsLongTranscriptToFile(t *testing.T) {
	relay := &fakeRelay{}
	o := New(newPool(credA), &fakeUpstream{}, relay, &fakeClearance{}, Config{FileThreshold: 100})

	long := strings.Repeat("x", 120)
	p, err := build(t, o, "grok-3", false,
		msg("user", long),
		msg("assistant", "ok"),
		msg("user", "summarise"),
	)
	require.NoError(t, err)
	require.Len(t, relay.texts, 1)
	assert.Equal(t, "USER: "+long+"\nASSISTANT: ok\n", relay.texts[0])
	assert.Equal(t, []string{"file-1"}, p.FileAttachments)
	assert.Equal(t, "USER: summarise", p.Message)
}

func TestBuildPayload_FileOnlyUsesDefaultPrompt(t *testing.T) {
	relay := &fakeRelay{}
	o := New(newPool(credA), &fakeUpstream{}, relay, &fakeClearance{}, Config{FileThreshold: 10})

	p, err := build(t, o, "grok-3", false, msg("user", strings.Repeat("y", 50)))
	require.NoError(t, err)
	assert.Equal(t, attachedFilePrompt, p.Message)
	assert.Equal(t, []string{"file-1"}, p.FileAttachments)
}
