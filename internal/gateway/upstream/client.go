package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

const (
	DefaultBaseURL   = "https://grok.com"
	DefaultAssetsURL = "https://assets.grok.com"

	conversationPath = "/rest/app-chat/conversations/new"
	uploadFilePath   = "/rest/app-chat/upload-file"
	rpcPath          = "/api/rpc"
)

// browserHeaders mimic the web client. Accept-Encoding is left to net/http so gzip stays transparent.
var browserHeaders = map[string]string{
	"Accept":             "*/*",
	"Accept-Language":    "zh-CN,zh;q=0.9",
	"Content-Type":       "text/plain;charset=UTF-8",
	"Origin":             "https://grok.com",
	"Priority":           "u=1, i",
	"User-Agent":         "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36",
	"Sec-Ch-Ua":          `"Not(A:Brand";v="99", "Google Chrome";v="133", "Chromium";v="133"`,
	"Sec-Ch-Ua-Mobile":   "?0",
	"Sec-Ch-Ua-Platform": `"macOS"`,
	"Sec-Fetch-Dest":     "empty",
	"Sec-Fetch-Mode":     "cors",
	"Sec-Fetch-Site":     "same-origin",
	"Baggage":            "sentry-public_key=b311e0f2690c81f25e2c4cf6d4f7ce1c",
	"X-Statsig-Id":       "ZTpUeXBlRXJyb3I6IENhbm5vdCByZWFkIHByb3BlcnRpZXMgb2YgdW5kZWZpbmVkIChyZWFkaW5nICdjaGlsZE5vZGVzJyk=",
}

// Client talks to the upstream web endpoints with browser-like requests
type Client struct {
	baseURL    string
	assetsURL  string
	httpClient *http.Client
}

// Option configures a Client
type Option func(*Client)

// WithBaseURL points the client at another upstream origin
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithAssetsURL points generated image downloads at another host
func WithAssetsURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.assetsURL = strings.TrimRight(u, "/")
		}
	}
}

// WithTransport swaps the round tripper, e.g. for a TLS-fingerprinting transport
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.httpClient.Transport = rt }
}

// NewClient creates an upstream client. proxyURL may be empty, http(s):// or socks5://.
// Streaming bodies have no overall timeout; callers bound them with their context.
func NewClient(proxyURL string, opts ...Option) (*Client, error) {
	transport, err := newTransport(proxyURL)
	if err != nil {
		return nil, err
	}
	c := &Client{
		baseURL:    DefaultBaseURL,
		assetsURL:  DefaultAssetsURL,
		httpClient: &http.Client{Transport: transport},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func newTransport(proxyURL string) (*http.Transport, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = 60 * time.Second
	if proxyURL == "" {
		return transport, nil
	}

	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy url: %w", err)
	}

	switch u.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(u)
	case "socks5", "socks5h":
		dialer, err := proxy.FromURL(u, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("failed to create socks5 dialer: %w", err)
		}
		transport.Proxy = nil
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = cd.DialContext
		} else {
			transport.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}

	log.WithField("proxy", u.Redacted()).Info("Using upstream proxy")
	return transport, nil
}

// BaseURL returns the upstream origin
func (c *Client) BaseURL() string { return c.baseURL }

// UploadFileURL is the text attachment endpoint
func (c *Client) UploadFileURL() string { return c.baseURL + uploadFilePath }

// RPCURL is the rpc endpoint used for image uploads
func (c *Client) RPCURL() string { return c.baseURL + rpcPath }

// AssetURL resolves a generated image reference
func (c *Client) AssetURL(ref string) string {
	return c.assetsURL + "/" + strings.TrimLeft(ref, "/")
}

// NewConversation starts a conversation. The caller owns the response body.
func (c *Client) NewConversation(ctx context.Context, payload *Payload, cookie string) (*http.Response, error) {
	return c.Do(ctx, http.MethodPost, c.baseURL+conversationPath, payload, cookie)
}

// Do sends a request with browser headers and the given cookie. A nil body sends no content.
func (c *Client) Do(ctx context.Context, method, target string, body any, cookie string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reqBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(reqBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range browserHeaders {
		req.Header.Set(k, v)
	}
	if cookie != "" {
		req.Header.Set("Cookie", cookie)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	return resp, nil
}
