// Package orchestrator drives a chat request against the upstream: payload building,
// credential failover and response consumption.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mrmushfiq/grok-gateway/internal/gateway/pool"
	"github.com/mrmushfiq/grok-gateway/internal/gateway/transcoder"
	"github.com/mrmushfiq/grok-gateway/internal/gateway/upstream"
	"github.com/mrmushfiq/grok-gateway/internal/shared/models"
)

const noResponseMessage = "[no valid response received]"

// Pool is the credential pool as seen by the orchestrator
type Pool interface {
	Acquire(model string) (string, bool)
	Current(model string) (string, bool)
	Penalize(model string, n int) bool
	Evict(model, credential string) bool
	AcquireAs(credential string, tier models.Tier, model string) (string, bool)
	RecordUsage(model, credential string, success bool)
	Count(model string) int
	RemainingCapacity() map[string]int
}

// Upstream sends conversations
type Upstream interface {
	NewConversation(ctx context.Context, payload *upstream.Payload, cookie string) (*http.Response, error)
	RPCURL() string
}

// Relay handles attachments and generated images
type Relay interface {
	transcoder.ImageRelay
	UploadText(ctx context.Context, content, cookie string) (string, error)
	UploadImage(ctx context.Context, image, uploadURL, cookie string) string
	HasImageHost() bool
}

// Clearance supplies the anti-bot bypass cookie
type Clearance interface {
	Current() string
	Invalidate(value string)
}

// Config holds the request handling knobs
type Config struct {
	MaxAttempts       int
	FileThreshold     int
	MaxAttachments    int
	MaxParseFailures  int
	ShowThinking      bool
	ShowSearchResults bool
	TempConversation  bool
	// CustomCredentials makes every request bring its own upstream credential
	CustomCredentials bool
	CustomTier        models.Tier
}

// Request is one inbound chat completion
type Request struct {
	Chat upstream.ChatRequest
	// Credential is the caller supplied upstream credential in custom-credential mode
	Credential string
}

// Completion is an aggregated, non-streaming answer
type Completion struct {
	Model      string
	Content    string
	Attempts   int
	Credential string
}

// Reply is a committed streaming answer. The caller must Close it.
type Reply struct {
	Model      string
	Attempts   int
	Credential string

	stream *transcoder.Stream
	first  *transcoder.Chunk
}

// Recv returns the next chunk or io.EOF
func (r *Reply) Recv() (transcoder.Chunk, error) {
	if r.first != nil {
		chunk := *r.first
		r.first = nil
		return chunk, nil
	}
	return r.stream.Recv()
}

// Close releases the upstream body
func (r *Reply) Close() error {
	return r.stream.Close()
}

// Orchestrator runs chat requests
type Orchestrator struct {
	pool      Pool
	client    Upstream
	relay     Relay
	clearance Clearance
	cfg       Config
}

// New creates an orchestrator
func New(credentials Pool, client Upstream, relay Relay, clearance Clearance, cfg Config) *Orchestrator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.FileThreshold <= 0 {
		cfg.FileThreshold = 40000
	}
	if cfg.MaxAttachments <= 0 {
		cfg.MaxAttachments = 4
	}
	return &Orchestrator{pool: credentials, client: client, relay: relay, clearance: clearance, cfg: cfg}
}

// consumer reads a 200 response. A nil error commits the attempt.
type consumer func(s *transcoder.Stream) error

// Complete runs the request and aggregates the whole answer
func (o *Orchestrator) Complete(ctx context.Context, req Request) (*Completion, error) {
	var content string
	attempts, credential, err := o.run(ctx, req, func(s *transcoder.Stream) error {
		defer s.Close()
		text, err := aggregate(s)
		if err != nil {
			return err
		}
		content = text
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Completion{Model: req.Chat.Model, Content: content, Attempts: attempts, Credential: credential}, nil
}

// Stream runs the request and returns once the first chunk is available, so a failure
// before any content can still fail over to another credential.
func (o *Orchestrator) Stream(ctx context.Context, req Request) (*Reply, error) {
	var reply *Reply
	attempts, credential, err := o.run(ctx, req, func(s *transcoder.Stream) error {
		chunk, err := s.Recv()
		if err != nil && !errors.Is(err, io.EOF) {
			s.Close()
			return err
		}
		reply = &Reply{stream: s}
		if err == nil {
			reply.first = &chunk
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	reply.Model = req.Chat.Model
	reply.Attempts = attempts
	reply.Credential = credential
	return reply, nil
}

// aggregate collects a whole response. Partial content survives a broken body.
func aggregate(s *transcoder.Stream) (string, error) {
	var sb strings.Builder
	for {
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if s.Emitted() {
				log.WithError(err).WithField("length", sb.Len()).Warn("Upstream body broke, returning partial content")
				break
			}
			return "", err
		}
		if chunk.Err != nil {
			return "[Error: " + chunk.Err.Message + "]", nil
		}
		sb.WriteString(chunk.Content)
	}
	if sb.Len() == 0 {
		return noResponseMessage, nil
	}
	return sb.String(), nil
}

func (o *Orchestrator) run(ctx context.Context, req Request, consume consumer) (int, string, error) {
	m, ok := upstream.Lookup(req.Chat.Model)
	if !ok {
		return 0, "", newError(KindConfiguration, fmt.Sprintf("unsupported model: %s", req.Chat.Model), nil)
	}

	if o.cfg.CustomCredentials && req.Credential == "" {
		return 0, "", newError(KindUnauthorized, "missing credential", nil)
	}

	payload, err := o.BuildPayload(ctx, req, m)
	if err != nil {
		return 0, "", err
	}

	lastStatus := 0
	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, "", newError(KindTransport, "request cancelled", err)
		}

		credential, ok := o.acquire(req, m.ID)
		if !ok {
			return attempt - 1, "", capacityError(m.ID)
		}
		clearance := o.clearance.Current()
		logger := log.WithFields(log.Fields{
			"model":   m.ID,
			"attempt": attempt,
			"sso":     pool.ShortID(credential),
		})
		logger.WithField("capacity", o.pool.RemainingCapacity()[pool.NormalizeModel(m.ID)]).Debug("Dispatching to upstream")

		start := time.Now()
		resp, err := o.client.NewConversation(ctx, payload, joinCookie(credential, clearance))
		if err != nil {
			if o.cfg.CustomCredentials || ctx.Err() != nil {
				return attempt, credential, newError(KindTransport, "upstream request failed", err)
			}
			logger.WithError(err).Warn("Upstream request failed, retrying")
			continue
		}

		lastStatus = resp.StatusCode
		switch resp.StatusCode {
		case http.StatusOK:
			logger.WithField("latency_ms", time.Since(start).Milliseconds()).Info("Upstream accepted request")
			s := transcoder.New(ctx, resp.Body, m, transcoder.Options{
				ShowThinking:      o.cfg.ShowThinking,
				ShowSearchResults: o.cfg.ShowSearchResults,
				MaxParseFailures:  o.cfg.MaxParseFailures,
				Images:            o.relay,
				Cookie:            joinCookie(credential, clearance),
			})
			err := consume(s)
			if err == nil {
				return attempt, credential, nil
			}
			logger.WithError(err).Warn("Upstream response broke before any content")
			if o.cfg.CustomCredentials {
				return attempt, credential, newError(KindProtocol, "custom credential is no longer valid for "+m.ID, err)
			}
			o.pool.Evict(m.ID, credential)
			if o.pool.Count(m.ID) == 0 {
				return attempt, credential, capacityError(m.ID)
			}

		case http.StatusForbidden:
			drain(resp)
			o.pool.RecordUsage(m.ID, credential, false)
			logger.Warn("Upstream rejected request, dropping clearance value")
			if clearance != "" {
				o.clearance.Invalidate(clearance)
			}
			if o.cfg.CustomCredentials {
				return attempt, credential, rejectedError()
			}
			o.pool.Penalize(m.ID, 1)
			if o.pool.Count(m.ID) == 0 {
				return attempt, credential, rejectedError()
			}

		case http.StatusTooManyRequests:
			drain(resp)
			o.pool.RecordUsage(m.ID, credential, false)
			if o.cfg.CustomCredentials {
				return attempt, credential, newError(KindUpstreamThrottled, "custom credential is rate limited for "+m.ID, nil)
			}
			o.pool.Penalize(m.ID, 1)
			o.pool.Evict(m.ID, credential)
			logger.Warn("Credential throttled, rotating")
			if o.pool.Count(m.ID) == 0 {
				return attempt, credential, newError(KindUpstreamThrottled, capacityMessage(m.ID), nil)
			}

		default:
			drain(resp)
			o.pool.RecordUsage(m.ID, credential, false)
			if o.cfg.CustomCredentials {
				return attempt, credential, newError(KindUpstreamThrottled, fmt.Sprintf("custom credential failed for %s (status %d)", m.ID, resp.StatusCode), nil)
			}
			logger.WithField("status", resp.StatusCode).Warn("Unexpected upstream status, evicting credential")
			o.pool.Evict(m.ID, credential)
		}
	}

	if lastStatus == http.StatusForbidden {
		return o.cfg.MaxAttempts, "", rejectedError()
	}
	return o.cfg.MaxAttempts, "", newError(KindCapacity, "all credentials for "+m.ID+" are currently unavailable, please retry later", nil)
}

// acquire picks the credential for one attempt. A caller supplied credential is
// installed and counted in the same step so concurrent callers never trade sessions.
func (o *Orchestrator) acquire(req Request, model string) (string, bool) {
	if o.cfg.CustomCredentials {
		return o.pool.AcquireAs(req.Credential, o.cfg.CustomTier, model)
	}
	return o.pool.Acquire(model)
}

func (o *Orchestrator) uploadCookie(req Request, model string) string {
	credential := req.Credential
	if !o.cfg.CustomCredentials {
		credential, _ = o.pool.Current(model)
	}
	return joinCookie(credential, o.clearance.Current())
}

func joinCookie(credential, clearance string) string {
	if clearance == "" {
		return credential
	}
	return credential + ";" + clearance
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

func capacityMessage(model string) string {
	return model + " has reached its request limit, please switch model or start a new conversation"
}

func capacityError(model string) *Error {
	return newError(KindCapacity, capacityMessage(model), nil)
}

func rejectedError() *Error {
	return newError(KindUpstreamRejected, "upstream blocked this IP, please retry later or change IP", nil)
}

