package attachments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

const (
	picGoEndpoint = "https://www.picgo.net/api/1/upload"
	tumyEndpoint  = "https://tu.my/api/v1/upload"
)

// ImageHost re-hosts generated images on an external service
type ImageHost interface {
	Upload(ctx context.Context, image []byte) (string, error)
	Name() string
}

// NewImageHost picks the configured host. PicGo wins when both keys are set; nil means none.
func NewImageHost(picGoKey, tumyKey string) ImageHost {
	switch {
	case picGoKey != "":
		return NewPicGo(picGoKey)
	case tumyKey != "":
		return NewTumy(tumyKey)
	}
	return nil
}

// PicGo uploads to picgo.net
type PicGo struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
}

// NewPicGo creates a PicGo host client
func NewPicGo(apiKey string) *PicGo {
	return &PicGo{
		apiKey:     apiKey,
		endpoint:   picGoEndpoint,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// Name returns the host name
func (p *PicGo) Name() string { return "PicGo" }

// Upload posts the image and returns its public url
func (p *PicGo) Upload(ctx context.Context, image []byte) (string, error) {
	resp, err := postMultipart(ctx, p.httpClient, p.endpoint, "source", image, map[string]string{
		"X-API-Key": p.apiKey,
	})
	if err != nil {
		return "", err
	}

	var result struct {
		Image struct {
			URL string `json:"url"`
		} `json:"image"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return "", fmt.Errorf("failed to parse PicGo response: %w", err)
	}
	if result.Image.URL == "" {
		return "", fmt.Errorf("PicGo response has no image url")
	}
	return result.Image.URL, nil
}

// Tumy uploads to tu.my
type Tumy struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
}

// NewTumy creates a Tumy host client
func NewTumy(apiKey string) *Tumy {
	return &Tumy{
		apiKey:     apiKey,
		endpoint:   tumyEndpoint,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// Name returns the host name
func (t *Tumy) Name() string { return "Tumy" }

// Upload posts the image and returns its public url
func (t *Tumy) Upload(ctx context.Context, image []byte) (string, error) {
	resp, err := postMultipart(ctx, t.httpClient, t.endpoint, "file", image, map[string]string{
		"Accept":        "application/json",
		"Authorization": "Bearer " + t.apiKey,
	})
	if err != nil {
		return "", err
	}

	var result struct {
		Data struct {
			Links struct {
				URL string `json:"url"`
			} `json:"links"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return "", fmt.Errorf("failed to parse Tumy response: %w", err)
	}
	if result.Data.Links.URL == "" {
		return "", fmt.Errorf("Tumy response has no image url")
	}
	return result.Data.Links.URL, nil
}

func postMultipart(ctx context.Context, client *http.Client, endpoint, field string, image []byte, headers map[string]string) ([]byte, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile(field, "image.jpg")
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(image); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("image host request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("image host error (status %d): %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}
