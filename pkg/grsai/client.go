// Package grsai implements the GrsAI nano-banana drawing API and its
// CDN upload flow.
package grsai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"bananabatch/pkg/credential"
	"bananabatch/pkg/logging"
	"bananabatch/pkg/models"
	"bananabatch/pkg/retry"
)

const (
	// DefaultBaseURL is the drawing API endpoint
	DefaultBaseURL = "https://api.grsai.com"
	// DefaultUploadTokenURL is the CN-accelerated upload token endpoint
	DefaultUploadTokenURL = "https://grsai.dakka.com.cn/client/resource/newUploadTokenZH"

	drawPath = "/v1/draw/nano-banana"
)

// SupportedAspectRatios lists the ratios nano-banana accepts
var SupportedAspectRatios = []string{
	"auto", "1:1", "16:9", "9:16", "4:3", "3:4",
	"3:2", "2:3", "5:4", "4:5", "21:9",
}

// ValidAspectRatio reports whether ar is accepted by the API
func ValidAspectRatio(ar string) bool {
	for _, s := range SupportedAspectRatios {
		if ar == s {
			return true
		}
	}
	return false
}

// Config holds client endpoints and timeouts
type Config struct {
	BaseURL         string
	UploadTokenURL  string
	RequestTimeout  time.Duration
	DownloadTimeout time.Duration
}

// DefaultClientConfig returns the endpoints and timeouts the service
// documents.
func DefaultClientConfig() Config {
	return Config{
		BaseURL:         DefaultBaseURL,
		UploadTokenURL:  DefaultUploadTokenURL,
		RequestTimeout:  5 * time.Minute,
		DownloadTimeout: 2 * time.Minute,
	}
}

// Client talks to the GrsAI API. It is safe for concurrent use; the
// credential for each call is supplied by the caller.
type Client struct {
	cfg  Config
	http *http.Client
	log  *logging.Logger
}

// NewClient creates a client
func NewClient(cfg Config, log *logging.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.UploadTokenURL == "" {
		cfg.UploadTokenURL = DefaultUploadTokenURL
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultClientConfig().RequestTimeout
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = DefaultClientConfig().DownloadTimeout
	}
	if log == nil {
		log = logging.NewLogger(logging.INFO, false)
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.RequestTimeout},
		log:  log.WithField("component", "grsai"),
	}
}

type drawRequest struct {
	Model        string   `json:"model"`
	Prompt       string   `json:"prompt"`
	URLs         []string `json:"urls"`
	ShutProgress bool     `json:"shutProgress"`
	CDN          string   `json:"cdn"`
	AspectRatio  string   `json:"aspectRatio,omitempty"`
}

type drawResponse struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	URL     string `json:"url"`
	Results []struct {
		URL string `json:"url"`
	} `json:"results"`
	Error string `json:"error"`
}

// Generate runs one nano-banana drawing call and downloads the
// resulting images. Errors are classified for the retry controller.
func (c *Client) Generate(ctx context.Context, prompt string, refs []string, params models.GenerateParams, cred *credential.Credential) (*models.Output, error) {
	if params.AspectRatio != "" && !ValidAspectRatio(params.AspectRatio) {
		return nil, retry.Permanent(fmt.Errorf(
			"unsupported aspect ratio %q, supported: %s",
			params.AspectRatio, strings.Join(SupportedAspectRatios, ", ")))
	}
	if refs == nil {
		refs = []string{}
	}

	payload := drawRequest{
		Model:        params.Model,
		Prompt:       prompt,
		URLs:         refs,
		ShutProgress: true,
		CDN:          "zh",
		AspectRatio:  params.AspectRatio,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("marshal draw request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+drawPath, bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("build draw request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+cred.Key())

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, retry.Transient(fmt.Errorf("draw request: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("read draw response: %w", err))
	}

	if err := classifyStatus(resp.StatusCode, data); err != nil {
		return nil, err
	}

	var dr drawResponse
	if err := json.Unmarshal(stripDataPrefix(data), &dr); err != nil {
		return nil, retry.Transient(fmt.Errorf("parse draw response: %w", err))
	}
	if dr.Status != "" && dr.Status != "succeeded" {
		msg := dr.Error
		if msg == "" {
			msg = dr.Status
		}
		return nil, retry.Transient(fmt.Errorf("generation %s: %s", dr.ID, msg))
	}

	urls := make([]string, 0, len(dr.Results)+1)
	for _, r := range dr.Results {
		if r.URL != "" {
			urls = append(urls, r.URL)
		}
	}
	if len(urls) == 0 && dr.URL != "" {
		urls = append(urls, dr.URL)
	}
	if len(urls) == 0 {
		return nil, retry.Transient(errors.New("draw response contained no image URL"))
	}

	images, err := c.downloadAll(ctx, urls)
	if err != nil {
		return nil, err
	}
	return &models.Output{Images: images, URLs: urls}, nil
}

// downloadAll fetches every generated image, in parallel when the
// response carries several URLs.
func (c *Client) downloadAll(ctx context.Context, urls []string) ([][]byte, error) {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.DownloadTimeout)
	defer cancel()

	images := make([][]byte, len(urls))
	errs := make([]error, len(urls))

	var wg sync.WaitGroup
	for i, url := range urls {
		wg.Add(1)
		go func(i int, url string) {
			defer wg.Done()
			images[i], errs[i] = c.download(dctx, url)
		}(i, url)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, retry.Transient(fmt.Errorf("download generated image: %w", err))
		}
	}
	return images, nil
}

func (c *Client) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("image download: HTTP %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// stripDataPrefix removes the SSE-style "data: " prefix some endpoints
// put in front of the JSON body.
func stripDataPrefix(body []byte) []byte {
	if bytes.HasPrefix(body, []byte("data: ")) {
		return body[6:]
	}
	return body
}

// classifyStatus maps an HTTP status to a classified error, or nil for
// 200. Rate-limit and auth errors are credential-class; other 4xx are
// request-shape problems; 5xx is transient.
func classifyStatus(status int, body []byte) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusUnauthorized:
		return retry.Credential(fmt.Errorf("HTTP 401: API key invalid or expired"))
	case status == http.StatusTooManyRequests:
		return retry.Credential(fmt.Errorf("HTTP 429: rate limit exceeded"))
	case status >= 500:
		return retry.Transient(fmt.Errorf("HTTP %d: server error", status))
	default:
		msg := apiErrorMessage(body)
		if msg != "" {
			return retry.Permanent(fmt.Errorf("HTTP %d: %s", status, msg))
		}
		return retry.Permanent(fmt.Errorf("HTTP %d: request rejected", status))
	}
}

func apiErrorMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
		Msg   string `json:"msg"`
	}
	if err := json.Unmarshal(stripDataPrefix(body), &e); err != nil {
		return ""
	}
	if e.Error != "" {
		return e.Error
	}
	return e.Msg
}
