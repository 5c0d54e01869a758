package grsai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"bananabatch/pkg/credential"
	"bananabatch/pkg/retry"
)

type uploadTokenResponse struct {
	Data struct {
		Token  string `json:"token"`
		Key    string `json:"key"`
		Domain string `json:"domain"`
		URL    string `json:"url"`
	} `json:"data"`
}

// Upload pushes raw image bytes to the CDN and returns the public URL.
// The flow is two-step: fetch a one-shot upload token, then POST the
// bytes as a multipart form to the returned upload URL.
func (c *Client) Upload(ctx context.Context, data []byte, cred *credential.Credential) (string, error) {
	contentType := http.DetectContentType(data)
	ext := extensionFor(contentType)

	token, err := c.uploadToken(ctx, cred, ext)
	if err != nil {
		return "", err
	}

	if err := c.uploadToCDN(ctx, data, contentType, ext, token); err != nil {
		return "", err
	}

	domain := token.Data.Domain
	if !strings.HasPrefix(domain, "http://") && !strings.HasPrefix(domain, "https://") {
		domain = "https://" + domain
	}
	domain = strings.TrimRight(domain, "/")

	url := domain + "/" + token.Data.Key
	c.log.Debug("uploaded reference image", map[string]interface{}{
		"bytes": len(data),
		"url":   url,
	})
	return url, nil
}

// uploadToken requests a one-shot CDN upload credential
func (c *Client) uploadToken(ctx context.Context, cred *credential.Credential, ext string) (*uploadTokenResponse, error) {
	body, err := json.Marshal(map[string]string{"sux": ext})
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("marshal token request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.UploadTokenURL, bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("build token request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cred.Key())

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, retry.Transient(fmt.Errorf("upload token request: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("read token response: %w", err))
	}
	if err := classifyStatus(resp.StatusCode, raw); err != nil {
		return nil, err
	}

	var token uploadTokenResponse
	if err := json.Unmarshal(raw, &token); err != nil {
		return nil, retry.Transient(fmt.Errorf("parse token response: %w", err))
	}
	d := token.Data
	if d.Token == "" || d.Key == "" || d.Domain == "" || d.URL == "" {
		return nil, retry.Transient(fmt.Errorf("incomplete upload token response"))
	}
	return &token, nil
}

// uploadToCDN posts the bytes as a multipart form to the token's
// upload URL.
func (c *Client) uploadToCDN(ctx context.Context, data []byte, contentType, ext string, token *uploadTokenResponse) error {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	if err := writer.WriteField("token", token.Data.Token); err != nil {
		return retry.Transient(fmt.Errorf("write token field: %w", err))
	}
	if err := writer.WriteField("key", token.Data.Key); err != nil {
		return retry.Transient(fmt.Errorf("write key field: %w", err))
	}

	part, err := writer.CreateFormFile("file", "input."+ext)
	if err != nil {
		return retry.Transient(fmt.Errorf("create form file: %w", err))
	}
	if _, err := part.Write(data); err != nil {
		return retry.Transient(fmt.Errorf("write form file: %w", err))
	}
	if err := writer.Close(); err != nil {
		return retry.Transient(fmt.Errorf("finalize form: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, token.Data.URL, &buf)
	if err != nil {
		return retry.Permanent(fmt.Errorf("build upload request: %w", err))
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return retry.Transient(fmt.Errorf("cdn upload: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return classifyStatus(resp.StatusCode, body)
	}
	return nil
}

// extensionFor maps a sniffed content type to the suffix the token
// endpoint expects.
func extensionFor(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return "jpg"
	case "image/png":
		return "png"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	case "image/bmp":
		return "bmp"
	default:
		return "bin"
	}
}
