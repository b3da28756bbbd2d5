package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrmushfiq/grok-gateway/internal/gateway/pool"
	"github.com/mrmushfiq/grok-gateway/internal/gateway/upstream"
	"github.com/mrmushfiq/grok-gateway/internal/shared/models"
)

const (
	credA = "sso-rw=aaaaaaaaaa;sso=aaaaaaaaaa"
	credB = "sso-rw=bbbbbbbbbb;sso=bbbbbbbbbb"
)

type reply func() (*http.Response, error)

func success(lines ...string) reply {
	return func() (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(strings.NewReader(strings.Join(lines, "\n") + "\n")),
		}, nil
	}
}

func status(code int) reply {
	return func() (*http.Response, error) {
		return &http.Response{StatusCode: code, Body: io.NopCloser(strings.NewReader("blocked"))}, nil
	}
}

func fail(err error) reply {
	return func() (*http.Response, error) { return nil, err }
}

func token(s string) string {
	return fmt.Sprintf(`{"result":{"response":{"token":%q}}}`, s)
}

type fakeUpstream struct {
	mu       sync.Mutex
	replies  []reply
	cookies  []string
	payloads []*upstream.Payload
}

func (f *fakeUpstream) NewConversation(_ context.Context, payload *upstream.Payload, cookie string) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cookies = append(f.cookies, cookie)
	f.payloads = append(f.payloads, payload)
	if len(f.replies) == 0 {
		return nil, errors.New("no scripted reply")
	}
	next := f.replies[0]
	f.replies = f.replies[1:]
	return next()
}

func (f *fakeUpstream) RPCURL() string { return "https://upstream.test/api/rpc" }

type fakeRelay struct {
	hasHost bool
	texts   []string
	images  []string
}

func (f *fakeRelay) UploadText(_ context.Context, content, _ string) (string, error) {
	f.texts = append(f.texts, content)
	return "file-1", nil
}

func (f *fakeRelay) UploadImage(_ context.Context, image, uploadURL, _ string) string {
	f.images = append(f.images, image)
	return fmt.Sprintf("img-%d", len(f.images))
}

func (f *fakeRelay) FetchAndRehost(_ context.Context, ref, _ string) (string, error) {
	return "![image](" + ref + ")", nil
}

func (f *fakeRelay) HasImageHost() bool { return f.hasHost }

type fakeClearance struct {
	value       string
	invalidated []string
}

func (f *fakeClearance) Current() string { return f.value }

func (f *fakeClearance) Invalidate(v string) {
	f.invalidated = append(f.invalidated, v)
	if f.value == v {
		f.value = ""
	}
}

func newPool(creds ...string) *pool.Pool {
	p := pool.New(models.RateTables{
		Normal: map[string]models.RateLimit{
			"grok-3":            {RequestFrequency: 20, Expiration: time.Hour},
			"grok-3-deepsearch": {RequestFrequency: 10, Expiration: time.Hour},
		},
		Super: map[string]models.RateLimit{
			"grok-3": {RequestFrequency: 100, Expiration: time.Hour},
			"grok-4": {RequestFrequency: 20, Expiration: time.Hour},
		},
	}, nil, pool.WithIntervals(0, 0))
	for _, c := range creds {
		p.Register(c, models.TierNormal)
	}
	return p
}

func userRequest(model, content string, stream bool) Request {
	return Request{Chat: upstream.ChatRequest{
		Model:    model,
		Messages: []openai.ChatCompletionMessage{{Role: "user", Content: content}},
		Stream:   stream,
	}}
}

func TestComplete_ForbiddenThenSuccess(t *testing.T) {
	p := newPool(credA)
	for i := 0; i < 19; i++ {
		p.Acquire("grok-3")
	}
	up := &fakeUpstream{replies: []reply{status(http.StatusForbidden), success(token("hello "), token("world"))}}
	cf := &fakeClearance{value: "cf_clearance=abc"}
	o := New(p, up, &fakeRelay{}, cf, Config{})

	res, err := o.Complete(context.Background(), userRequest("grok-3", "hi", false))
	require.NoError(t, err)
	assert.Equal(t, "hello world", res.Content)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, credA, res.Credential)

	assert.Equal(t, []string{"cf_clearance=abc"}, cf.invalidated)
	assert.Equal(t, []string{credA + ";cf_clearance=abc", credA}, up.cookies)
	assert.Equal(t, 20, p.Entries("grok-3")[0].RequestCount)

	usage := p.Usage("aaaaaaaaaa", "grok-3")["aaaaaaaaaa"]["grok-3"]
	assert.Equal(t, 1, usage.FailCalls)
}

func TestComplete_ThrottledRotates(t *testing.T) {
	p := newPool(credA, credB)
	up := &fakeUpstream{replies: []reply{status(http.StatusTooManyRequests), success(token("ok"))}}
	o := New(p, up, &fakeRelay{}, &fakeClearance{}, Config{})

	res, err := o.Complete(context.Background(), userRequest("grok-3", "hi", false))
	require.NoError(t, err)
	assert.Equal(t, credB, res.Credential)
	assert.Equal(t, 1, p.Count("grok-3"))
	require.Len(t, p.Expired(), 1)
	assert.Equal(t, credA, p.Expired()[0].Credential)
}

func TestComplete_ThrottledLastCredential(t *testing.T) {
	p := newPool(credA)
	up := &fakeUpstream{replies: []reply{status(http.StatusTooManyRequests)}}
	o := New(p, up, &fakeRelay{}, &fakeClearance{}, Config{})

	_, err := o.Complete(context.Background(), userRequest("grok-3", "hi", false))
	var oe *Error
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, KindUpstreamThrottled, oe.Kind)
	assert.Equal(t, http.StatusInternalServerError, StatusOf(err))
}

func TestComplete_ForbiddenExhaustsAttempts(t *testing.T) {
	p := newPool(credA)
	up := &fakeUpstream{replies: []reply{status(http.StatusForbidden), status(http.StatusForbidden)}}
	o := New(p, up, &fakeRelay{}, &fakeClearance{}, Config{MaxAttempts: 2})

	_, err := o.Complete(context.Background(), userRequest("grok-3", "hi", false))
	var oe *Error
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, KindUpstreamRejected, oe.Kind)
	assert.Equal(t, http.StatusForbidden, StatusOf(err))
	assert.Len(t, up.cookies, 2)
}

func TestComplete_ForbiddenOnEmptiedBucket(t *testing.T) {
	p := newPool(credA)
	removeThenBlock := func() (*http.Response, error) {
		p.Remove(credA)
		return status(http.StatusForbidden)()
	}
	up := &fakeUpstream{replies: []reply{removeThenBlock}}
	o := New(p, up, &fakeRelay{}, &fakeClearance{}, Config{})

	_, err := o.Complete(context.Background(), userRequest("grok-3", "hi", false))
	var oe *Error
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, KindUpstreamRejected, oe.Kind)
	assert.Equal(t, http.StatusForbidden, StatusOf(err))
	assert.Len(t, up.cookies, 1)
}

func TestComplete_OtherStatusEvicts(t *testing.T) {
	p := newPool(credA, credB)
	up := &fakeUpstream{replies: []reply{status(http.StatusBadGateway), status(http.StatusBadGateway)}}
	o := New(p, up, &fakeRelay{}, &fakeClearance{}, Config{})

	_, err := o.Complete(context.Background(), userRequest("grok-3", "hi", false))
	var oe *Error
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, KindCapacity, oe.Kind)
	assert.Zero(t, p.Count("grok-3"))
}

func TestComplete_TransportErrorRetried(t *testing.T) {
	p := newPool(credA)
	up := &fakeUpstream{replies: []reply{fail(errors.New("dial tcp: refused")), success(token("fine"))}}
	o := New(p, up, &fakeRelay{}, &fakeClearance{}, Config{})

	res, err := o.Complete(context.Background(), userRequest("grok-3", "hi", false))
	require.NoError(t, err)
	assert.Equal(t, "fine", res.Content)
	assert.Equal(t, 2, res.Attempts)
}

func TestComplete_NoCapacity(t *testing.T) {
	o := New(newPool(), &fakeUpstream{}, &fakeRelay{}, &fakeClearance{}, Config{})

	_, err := o.Complete(context.Background(), userRequest("grok-3", "hi", false))
	var oe *Error
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, KindCapacity, oe.Kind)
	assert.Contains(t, oe.Message, "switch model")
}

func TestComplete_UnsupportedModel(t *testing.T) {
	o := New(newPool(credA), &fakeUpstream{}, &fakeRelay{}, &fakeClearance{}, Config{})

	_, err := o.Complete(context.Background(), userRequest("gpt-4o", "hi", false))
	var oe *Error
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, KindConfiguration, oe.Kind)
}

func TestComplete_UpstreamErrorEvent(t *testing.T) {
	up := &fakeUpstream{replies: []reply{success(token("partial"), `{"error":{"code":7,"message":"denied"}}`)}}
	o := New(newPool(credA), up, &fakeRelay{}, &fakeClearance{}, Config{})

	res, err := o.Complete(context.Background(), userRequest("grok-3", "hi", false))
	require.NoError(t, err)
	assert.Equal(t, "[Error: denied]", res.Content)
}

func TestComplete_EmptyResponse(t *testing.T) {
	up := &fakeUpstream{replies: []reply{success(`{"result":{"response":{}}}`)}}
	o := New(newPool(credA), up, &fakeRelay{}, &fakeClearance{}, Config{})

	res, err := o.Complete(context.Background(), userRequest("grok-3", "hi", false))
	require.NoError(t, err)
	assert.Equal(t, noResponseMessage, res.Content)
}

type brokenBody struct{}

func (brokenBody) Read([]byte) (int, error) { return 0, errors.New("connection reset") }
func (brokenBody) Close() error             { return nil }

func TestStream_FailsOverBeforeFirstChunk(t *testing.T) {
	p := newPool(credA, credB)
	broken := func() (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusOK, Body: brokenBody{}}, nil
	}
	up := &fakeUpstream{replies: []reply{broken, success(token("a"), token("b"))}}
	o := New(p, up, &fakeRelay{}, &fakeClearance{}, Config{})

	r, err := o.Stream(context.Background(), userRequest("grok-3", "hi", true))
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, credB, r.Credential)
	assert.Equal(t, 2, r.Attempts)

	var got []string
	for {
		chunk, err := r.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, chunk.Content)
	}
	assert.Equal(t, []string{"a", "b"}, got)
	assert.Equal(t, 1, p.Count("grok-3"))
}

func TestStream_ImageGenRequiresHost(t *testing.T) {
	o := New(newPool(credA), &fakeUpstream{}, &fakeRelay{}, &fakeClearance{}, Config{})

	_, err := o.Stream(context.Background(), userRequest("grok-3-imageGen", "a cat", true))
	var oe *Error
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, KindConfiguration, oe.Kind)
}

func TestCustomCredentials(t *testing.T) {
	p := newPool(credA)
	up := &fakeUpstream{replies: []reply{fail(errors.New("timeout")), success(token("never"))}}
	o := New(p, up, &fakeRelay{}, &fakeClearance{}, Config{CustomCredentials: true, CustomTier: models.TierSuper})

	req := userRequest("grok-4", "hi", false)
	req.Credential = credB
	_, err := o.Complete(context.Background(), req)

	var oe *Error
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, KindTransport, oe.Kind)
	assert.Len(t, up.cookies, 1, "custom credentials are not retried")
	assert.Equal(t, []string{credB}, p.Credentials())

	req.Credential = ""
	_, err = o.Complete(context.Background(), req)
	assert.Equal(t, http.StatusUnauthorized, StatusOf(err))
}

// heldRelay blocks the first image upload until released
type heldRelay struct {
	fakeRelay
	held    chan struct{}
	release chan struct{}
	cookie  string
}

func (r *heldRelay) UploadImage(_ context.Context, _, _, cookie string) string {
	r.cookie = cookie
	close(r.held)
	<-r.release
	return "img-1"
}

func TestCustomCredentials_ConcurrentCallersKeepTheirOwn(t *testing.T) {
	p := newPool()
	up := &fakeUpstream{replies: []reply{success(token("for b")), success(token("for a"))}}
	relay := &heldRelay{held: make(chan struct{}), release: make(chan struct{})}
	o := New(p, up, relay, &fakeClearance{}, Config{CustomCredentials: true, CustomTier: models.TierNormal})

	reqA := Request{
		Chat: upstream.ChatRequest{Model: "grok-3", Messages: []openai.ChatCompletionMessage{{
			Role: "user",
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: "data:image/png;base64,AAAA"}},
				{Type: openai.ChatMessagePartTypeText, Text: "what is this?"},
			},
		}}},
		Credential: credA,
	}

	type result struct {
		res *Completion
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := o.Complete(context.Background(), reqA)
		done <- result{res, err}
	}()
	<-relay.held

	reqB := userRequest("grok-3", "hi", false)
	reqB.Credential = credB
	resB, err := o.Complete(context.Background(), reqB)
	require.NoError(t, err)
	assert.Equal(t, credB, resB.Credential)

	close(relay.release)
	a := <-done
	require.NoError(t, a.err)
	assert.Equal(t, credA, a.res.Credential)
	assert.Equal(t, "for a", a.res.Content)

	assert.Equal(t, credA, relay.cookie)
	assert.Equal(t, []string{credB, credA}, up.cookies)
}
