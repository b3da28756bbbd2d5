package orchestrator

import (
	"context"
	"regexp"
	"strings"

	"github.com/sashabaranov/go-openai"
	log "github.com/sirupsen/logrus"

	"github.com/mrmushfiq/grok-gateway/internal/gateway/upstream"
)

const (
	imagePlaceholder   = "[image]"
	attachedFilePrompt = "Answer based on the content of the attached txt file:"
)

var (
	thinkBlock  = regexp.MustCompile(`<think>[\s\S]*?</think>`)
	inlineImage = regexp.MustCompile(`!\[image\]\(data:.*?base64,.*?\)`)
)

// transcript accumulates "ROLE: text" lines, merging consecutive lines of the same role
type transcript struct {
	lines    []string
	length   int
	lastRole string
}

func (t *transcript) add(role, text string) {
	prefix := strings.ToUpper(role) + ": "
	if role == t.lastRole && text != "" && len(t.lines) > 0 {
		i := len(t.lines) - 1
		t.lines[i] += "\n" + text
		t.length += 1 + len(text)
		return
	}
	if text == "" {
		text = imagePlaceholder
	}
	t.lines = append(t.lines, prefix+text)
	t.length += len(prefix) + len(text) + 1
	t.lastRole = role
}

func (t *transcript) String() string {
	if len(t.lines) == 0 {
		return ""
	}
	return strings.Join(t.lines, "\n") + "\n"
}

// cleanText drops reasoning blocks and inline images echoed back from earlier replies
func cleanText(s string) string {
	s = strings.TrimSpace(thinkBlock.ReplaceAllString(s, ""))
	return inlineImage.ReplaceAllString(s, imagePlaceholder)
}

func messageText(msg openai.ChatCompletionMessage) string {
	if len(msg.MultiContent) == 0 {
		return cleanText(msg.Content)
	}
	var parts []string
	for _, part := range msg.MultiContent {
		switch part.Type {
		case openai.ChatMessagePartTypeImageURL:
			parts = append(parts, imagePlaceholder)
		case openai.ChatMessagePartTypeText:
			parts = append(parts, cleanText(part.Text))
		}
	}
	return strings.Join(parts, "\n")
}

// BuildPayload flattens a chat request into a conversations/new body, uploading
// attachments with the caller's own credential in custom mode and the bucket's
// current credential otherwise.
func (o *Orchestrator) BuildPayload(ctx context.Context, req Request, m upstream.Model) (*upstream.Payload, error) {
	if m.ImageGen && req.Chat.Stream && !o.relay.HasImageHost() {
		return nil, newError(KindConfiguration, "streaming "+m.ID+" requires a PicGo or Tumy image host key", nil)
	}

	messages := req.Chat.Messages
	if len(messages) == 0 {
		return nil, newError(KindConfiguration, "messages must not be empty", nil)
	}
	if m.SingleTurn {
		last := messages[len(messages)-1]
		if last.Role != openai.ChatMessageRoleUser {
			return nil, newError(KindConfiguration, "the last message for "+m.ID+" must be a user message", nil)
		}
		messages = messages[len(messages)-1:]
	}

	cookie := o.uploadCookie(req, m.ID)
	var (
		files         []string
		t             transcript
		convertToFile bool
		lastMessage   string
	)
	for i, msg := range messages {
		role := "user"
		if msg.Role == openai.ChatMessageRoleAssistant {
			role = "assistant"
		}
		isLast := i == len(messages)-1

		if isLast {
			for _, part := range msg.MultiContent {
				if part.Type != openai.ChatMessagePartTypeImageURL || part.ImageURL == nil {
					continue
				}
				if len(files) >= o.cfg.MaxAttachments {
					break
				}
				if id := o.relay.UploadImage(ctx, part.ImageURL.URL, o.client.RPCURL(), cookie); id != "" {
					files = append(files, id)
				}
			}
		}

		text := messageText(msg)
		if isLast && convertToFile {
			if text == "" {
				text = imagePlaceholder
			}
			lastMessage = strings.ToUpper(role) + ": " + text
			continue
		}
		if text != "" || (isLast && len(files) > 0) {
			t.add(role, text)
		}
		if t.length >= o.cfg.FileThreshold {
			convertToFile = true
		}
	}

	message := t.String()
	if convertToFile {
		id, err := o.relay.UploadText(ctx, message, cookie)
		if err != nil {
			return nil, newError(KindTransport, "failed to upload conversation as file", err)
		}
		if id != "" {
			files = append([]string{id}, files...)
		}
		message = lastMessage
		log.WithFields(log.Fields{"model": m.ID, "length": t.length}).Info("Conversation uploaded as file")
	}

	message = strings.TrimSpace(message)
	if message == "" {
		if !convertToFile {
			return nil, newError(KindConfiguration, "message content is empty", nil)
		}
		message = attachedFilePrompt
	}
	if len(files) > o.cfg.MaxAttachments {
		files = files[:o.cfg.MaxAttachments]
	}

	return &upstream.Payload{
		Temporary:             o.cfg.TempConversation,
		ModelName:             m.Upstream,
		Message:               message,
		FileAttachments:       nonNil(files),
		ImageAttachments:      []string{},
		EnableImageGeneration: true,
		ImageGenerationCount:  1,
		ToolOverrides: upstream.ToolOverrides{
			ImageGen:     m.ImageGen,
			WebSearch:    m.Search,
			XSearch:      m.Search,
			XMediaSearch: m.Search,
			TrendsSearch: m.Search,
			XPostAnalyze: m.Search,
		},
		EnableSideBySide:     true,
		SendFinalMetadata:    true,
		DeepsearchPreset:     m.DeepsearchPreset,
		IsReasoning:          m.IsReasoning,
		DisableTextFollowUps: true,
	}, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
