// Package attachments moves payloads between callers, the upstream file store and image hosts.
package attachments

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

const fetchAttempts = 2

var dataURLPattern = regexp.MustCompile(`data:([a-zA-Z0-9]+/[a-zA-Z0-9\-.+]+);base64,`)

// Upstream is the slice of the upstream client the relay needs
type Upstream interface {
	Do(ctx context.Context, method, target string, body any, cookie string) (*http.Response, error)
	UploadFileURL() string
	AssetURL(ref string) string
}

// Relay uploads caller attachments and re-hosts generated images
type Relay struct {
	upstream   Upstream
	host       ImageHost
	retryDelay time.Duration
}

// NewRelay creates a relay. host may be nil, in which case images are inlined as data urls.
func NewRelay(upstream Upstream, host ImageHost, retryDelay time.Duration) *Relay {
	return &Relay{upstream: upstream, host: host, retryDelay: retryDelay}
}

// HasImageHost reports whether generated images can be re-hosted
func (r *Relay) HasImageHost() bool {
	return r.host != nil
}

type fileUpload struct {
	FileName     string `json:"fileName"`
	FileMimeType string `json:"fileMimeType"`
	Content      string `json:"content"`
}

type uploadResult struct {
	FileMetadataID string `json:"fileMetadataId"`
}

// UploadText stores content as message.txt upstream and returns its file handle
func (r *Relay) UploadText(ctx context.Context, content, cookie string) (string, error) {
	body := fileUpload{
		FileName:     "message.txt",
		FileMimeType: "text/plain",
		Content:      base64.StdEncoding.EncodeToString([]byte(content)),
	}

	resp, err := r.upstream.Do(ctx, http.MethodPost, r.upstream.UploadFileURL(), body, cookie)
	if err != nil {
		return "", fmt.Errorf("failed to upload text file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to upload text file (status %d)", resp.StatusCode)
	}

	var result uploadResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to parse upload response: %w", err)
	}
	log.WithField("file", result.FileMetadataID).Info("Transcript uploaded as file")
	return result.FileMetadataID, nil
}

// UploadImage posts an inline image to uploadURL. Failures are logged and yield "".
func (r *Relay) UploadImage(ctx context.Context, image, uploadURL, cookie string) string {
	mimeType, content := splitDataURL(image)
	body := map[string]any{
		"rpc": "uploadFile",
		"req": fileUpload{
			FileName:     "image." + strings.SplitN(mimeType, "/", 2)[1],
			FileMimeType: mimeType,
			Content:      content,
		},
	}

	resp, err := r.upstream.Do(ctx, http.MethodPost, uploadURL, body, cookie)
	if err != nil {
		log.WithError(err).Warn("Image upload failed")
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.WithField("status", resp.StatusCode).Warn("Image upload rejected")
		return ""
	}

	var result uploadResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		log.WithError(err).Warn("Image upload returned unreadable body")
		return ""
	}
	return result.FileMetadataID
}

// splitDataURL returns the mime type and base64 payload of a data url.
// Anything else is passed through as payload with the jpeg default.
func splitDataURL(image string) (string, string) {
	mimeType := "image/jpeg"
	if m := dataURLPattern.FindStringSubmatch(image); m != nil {
		mimeType = m[1]
	}
	if strings.Contains(image, "data:image") {
		if _, payload, ok := strings.Cut(image, ","); ok {
			return mimeType, payload
		}
	}
	return mimeType, image
}

// FetchAndRehost downloads a generated image and returns a markdown image token.
// A download failure is an error; a host rejection is reported in the returned text.
func (r *Relay) FetchAndRehost(ctx context.Context, imageRef, cookie string) (string, error) {
	data, contentType, err := r.fetch(ctx, imageRef, cookie)
	if err != nil {
		return "", err
	}

	if r.host == nil {
		if contentType == "" {
			contentType = "image/jpeg"
		}
		return fmt.Sprintf("![image](data:%s;base64,%s)", contentType, base64.StdEncoding.EncodeToString(data)), nil
	}

	url, err := r.host.Upload(ctx, data)
	if err != nil {
		log.WithError(err).WithField("host", r.host.Name()).Error("Image host upload failed")
		return fmt.Sprintf("Image generation failed, check that the %s key is set correctly", r.host.Name()), nil
	}
	log.WithField("host", r.host.Name()).Info("Generated image re-hosted")
	return fmt.Sprintf("![image](%s)", url), nil
}

func (r *Relay) fetch(ctx context.Context, imageRef, cookie string) ([]byte, string, error) {
	var (
		data        []byte
		contentType string
	)
	op := func() error {
		resp, err := r.upstream.Do(ctx, http.MethodGet, r.upstream.AssetURL(imageRef), nil, cookie)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("asset fetch status %d", resp.StatusCode)
		}
		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		contentType = resp.Header.Get("Content-Type")
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(&linearBackOff{step: r.retryDelay}, fetchAttempts-1), ctx)
	notify := func(err error, wait time.Duration) {
		log.WithError(err).WithField("retry_in", wait).Warn("Generated image fetch failed")
	}
	if err := backoff.RetryNotify(op, bo, notify); err != nil {
		return nil, "", fmt.Errorf("failed to fetch generated image: %w", err)
	}
	return data, contentType, nil
}

// linearBackOff waits step, 2*step, 3*step...
type linearBackOff struct {
	step    time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return b.step * time.Duration(b.attempt)
}

func (b *linearBackOff) Reset() { b.attempt = 0 }
