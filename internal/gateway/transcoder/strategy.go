package transcoder

import (
	"fmt"
	"strings"

	"github.com/mrmushfiq/grok-gateway/internal/gateway/upstream"
)

const (
	openThink  = "<think>"
	closeThink = "</think>"
)

// strategy turns one upstream response into outgoing text; "" emits nothing
type strategy func(s *Stream, r *upstream.Response) string

var strategies = map[upstream.Variant]strategy{
	upstream.VariantPlain:           plainText,
	upstream.VariantPlainNoThinking: plainWithoutThinking,
	upstream.VariantSearch:          searchText,
	upstream.VariantReasoning:       reasoningText,
	upstream.VariantTaggedReasoning: taggedReasoningText,
	upstream.VariantDeepSearch:      deepSearchText,
	// image generation drops text entirely; images are handled before strategies run
	upstream.VariantImageGen: func(*Stream, *upstream.Response) string { return "" },
}

func strategyFor(v upstream.Variant) strategy {
	if st, ok := strategies[v]; ok {
		return st
	}
	return plainText
}

func plainText(_ *Stream, r *upstream.Response) string {
	return r.Text()
}

func plainWithoutThinking(_ *Stream, r *upstream.Response) string {
	if r.IsThinking {
		return ""
	}
	return r.Text()
}

func searchText(s *Stream, r *upstream.Response) string {
	if r.HasSearchResults() && s.opts.ShowSearchResults {
		return "\r\n" + openThink + FormatSearchResults(r.WebSearchResults) + closeThink + "\r\n"
	}
	return r.Text()
}

func reasoningText(s *Stream, r *upstream.Response) string {
	switch {
	case r.IsThinking && !s.opts.ShowThinking:
		return ""
	case r.IsThinking && !s.thinking:
		s.thinking = true
		return openThink + r.Text()
	case !r.IsThinking && s.thinking:
		s.thinking = false
		return closeThink + r.Text()
	}
	return r.Text()
}

// grok-4 reasoning only switches on assistant/final tags
func taggedReasoningText(s *Stream, r *upstream.Response) string {
	switch {
	case r.IsThinking && !s.opts.ShowThinking:
		return ""
	case r.IsThinking && !s.thinking && r.MessageTag == "assistant":
		s.thinking = true
		return openThink + r.Text()
	case !r.IsThinking && s.thinking && r.MessageTag == "final":
		s.thinking = false
		return closeThink + r.Text()
	}
	return r.Text()
}

func deepSearchText(s *Stream, r *upstream.Response) string {
	step := r.HasStep()
	switch {
	case step && !s.opts.ShowThinking:
		return ""
	case step && !s.thinking:
		s.thinking = true
		return openThink + r.Text()
	case !step && s.thinking && r.MessageTag == "final":
		s.thinking = false
		return closeThink + r.Text()
	case (step && s.thinking && r.MessageTag == "assistant") || r.MessageTag == "final":
		return r.Text()
	}

	if !s.thinking {
		return ""
	}
	if action, ok := r.Action(); ok && action.Action == "webSearch" {
		return action.ActionInput.Query
	}
	if r.HasSearchResults() {
		return FormatSearchResults(r.WebSearchResults)
	}
	return ""
}

// FormatSearchResults renders search hits as collapsible resource blocks
func FormatSearchResults(results *upstream.SearchResults) string {
	if results == nil {
		return ""
	}
	blocks := make([]string, 0, len(results.Results))
	for i, res := range results.Results {
		title := orDefault(res.Title, "Untitled")
		link := orDefault(res.URL, "#")
		preview := orDefault(res.Preview, "No preview available")
		blocks = append(blocks, fmt.Sprintf("\r\n<details><summary>Resource[%d]: %s</summary>\r\n%s\r\n\n[Link](%s)\r\n</details>", i, title, preview, link))
	}
	return strings.Join(blocks, "\n\n")
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
