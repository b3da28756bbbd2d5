// Package transcoder converts the upstream NDJSON event stream into chat completion chunks.
package transcoder

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/mrmushfiq/grok-gateway/internal/gateway/upstream"
)

const (
	// upstream error code for "failed to respond"
	codeFailedToRespond = 13

	InterruptedMessage = "[response interrupted, please retry]"
	ParseErrorMessage  = "[data parse error, response terminated]"
	ImageErrorMessage  = "[image processing failed]"

	defaultMaxParseFailures = 10
)

// ImageRelay re-hosts generated images
type ImageRelay interface {
	FetchAndRehost(ctx context.Context, imageRef, cookie string) (string, error)
}

// Options carries the per-request display flags
type Options struct {
	ShowThinking      bool
	ShowSearchResults bool
	// MaxParseFailures is the number of consecutive malformed lines tolerated
	MaxParseFailures int
	Images           ImageRelay
	// Cookie authenticates generated image downloads
	Cookie string
}

// UpstreamError is an in-band error reported by the upstream
type UpstreamError struct {
	Code    int
	Message string
}

func (e *UpstreamError) Error() string {
	return "stream error: " + e.Message
}

// Chunk is one unit of outgoing content. Exactly one of Content or Err is set.
type Chunk struct {
	Content string
	Err     *UpstreamError
}

// Stream transcodes one upstream response body. It is not safe for concurrent use
// and cannot be restarted.
type Stream struct {
	ctx      context.Context
	body     io.ReadCloser
	reader   *bufio.Reader
	model    upstream.Model
	opts     Options
	strategy strategy

	thinking   bool
	imageGen   bool
	imageReady bool

	parseFailures int
	emitted       bool
	done          bool
	// readErr arrived together with the last returned chunk
	readErr error
}

// New wraps an upstream response body
func New(ctx context.Context, body io.ReadCloser, model upstream.Model, opts Options) *Stream {
	if opts.MaxParseFailures <= 0 {
		opts.MaxParseFailures = defaultMaxParseFailures
	}
	return &Stream{
		ctx:      ctx,
		body:     body,
		reader:   bufio.NewReader(body),
		model:    model,
		opts:     opts,
		strategy: strategyFor(model.Variant),
	}
}

// Emitted reports whether any content chunk has been returned
func (s *Stream) Emitted() bool {
	return s.emitted
}

// Close releases the upstream body
func (s *Stream) Close() error {
	s.done = true
	return s.body.Close()
}

// Recv returns the next chunk, io.EOF once the stream is finished, or the transport error
// that broke the upstream body.
func (s *Stream) Recv() (Chunk, error) {
	if s.readErr != nil && !s.done {
		err := s.readErr
		s.readErr = nil
		return s.finish(err)
	}
	for !s.done {
		line, readErr := s.reader.ReadBytes('\n')
		if line = bytes.TrimSpace(line); len(line) > 0 {
			if chunk, ok := s.handleLine(line); ok {
				if chunk.Content != "" {
					s.emitted = true
				}
				s.readErr = readErr
				return chunk, nil
			}
			if s.done {
				break
			}
		}

		if readErr == nil {
			continue
		}
		return s.finish(readErr)
	}
	return Chunk{}, io.EOF
}

// finish ends the stream on a read error, closing an open thinking block on a clean EOF
func (s *Stream) finish(readErr error) (Chunk, error) {
	s.done = true
	if !errors.Is(readErr, io.EOF) {
		return Chunk{}, readErr
	}
	if s.thinking {
		s.thinking = false
		return Chunk{Content: closeThink}, nil
	}
	return Chunk{}, io.EOF
}

// handleLine interprets one event. ok is false when the event produces no output.
func (s *Stream) handleLine(line []byte) (Chunk, bool) {
	var ev upstream.Event
	if err := json.Unmarshal(line, &ev); err != nil {
		s.parseFailures++
		log.WithFields(log.Fields{
			"model":    s.model.ID,
			"failures": s.parseFailures,
		}).WithError(err).Warn("Malformed upstream event")
		if s.parseFailures > s.opts.MaxParseFailures {
			s.done = true
			return Chunk{Content: ParseErrorMessage}, true
		}
		return Chunk{}, false
	}
	s.parseFailures = 0

	if ev.Error != nil {
		return s.handleError(ev.Error)
	}

	r := ev.Response()
	if r == nil {
		return Chunk{}, false
	}

	if r.StartsImageGen() {
		s.imageGen = true
	}
	if s.imageGen {
		if r.CachedImageGenerationResponse == nil || s.imageReady {
			return Chunk{}, false
		}
		s.imageReady = true
		return Chunk{Content: s.rehost(r.CachedImageGenerationResponse.ImageURL)}, true
	}

	if text := s.strategy(s, r); text != "" {
		return Chunk{Content: text}, true
	}
	return Chunk{}, false
}

func (s *Stream) handleError(e *upstream.EventError) (Chunk, bool) {
	s.done = true
	log.WithFields(log.Fields{
		"model": s.model.ID,
		"code":  e.Code,
	}).Warn("Upstream reported an error: " + e.Message)

	if e.Code != codeFailedToRespond {
		return Chunk{Err: &UpstreamError{Code: e.Code, Message: e.Message}}, true
	}
	switch {
	case s.thinking:
		s.thinking = false
		return Chunk{Content: closeThink}, true
	case !s.emitted:
		return Chunk{Content: InterruptedMessage}, true
	}
	return Chunk{}, false
}

func (s *Stream) rehost(imageRef string) string {
	if s.opts.Images == nil {
		return ImageErrorMessage
	}
	token, err := s.opts.Images.FetchAndRehost(s.ctx, imageRef, s.opts.Cookie)
	if err != nil {
		log.WithError(err).WithField("model", s.model.ID).Error("Failed to relay generated image")
		return ImageErrorMessage
	}
	return token
}
