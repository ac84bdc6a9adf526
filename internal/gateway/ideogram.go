package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/lamim/storyforge/pkg/models"
)

const ideogramGeneratePath = "/v1/ideogram-v3/generate"

type ideogramResponse struct {
	Created string          `json:"created"`
	Data    []ideogramImage `json:"data"`
}

type ideogramImage struct {
	URL         string `json:"url"`
	Prompt      string `json:"prompt"`
	Resolution  string `json:"resolution"`
	IsImageSafe *bool  `json:"is_image_safe"`
	Seed        int64  `json:"seed"`
}

// IdeogramProvider generates illustrations with the Ideogram v3 API. The
// generate call returns a URL which is downloaded within the same attempt.
type IdeogramProvider struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	logger     *slog.Logger
}

// NewIdeogramProvider creates an Ideogram image provider
func NewIdeogramProvider(httpClient *http.Client, baseURL, apiKey string, logger *slog.Logger) *IdeogramProvider {
	return &IdeogramProvider{
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		logger:     logger,
	}
}

// Name returns the provider name
func (p *IdeogramProvider) Name() string { return "ideogram" }

// Generate requests one image and downloads it
func (p *IdeogramProvider) Generate(ctx context.Context, req Request) (*Payload, error) {
	if req.Kind != models.KindPageImage {
		return nil, &ProviderError{Kind: KindInvalidInput, Message: "ideogram provider only generates images"}
	}

	buf := getBuffer()
	defer putBuffer(buf)
	form := multipart.NewWriter(buf)
	fields := [][2]string{
		{"prompt", req.Prompt},
		{"aspect_ratio", ideogramAspect(req.MaxSize)},
		{"magic_prompt", "AUTO"},
		{"num_images", "1"},
	}
	for _, f := range fields {
		if err := form.WriteField(f[0], f[1]); err != nil {
			return nil, fmt.Errorf("failed to write form field %s: %w", f[0], err)
		}
	}
	if err := form.Close(); err != nil {
		return nil, fmt.Errorf("failed to close form: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+ideogramGeneratePath, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", form.FormDataContentType())
	httpReq.Header.Set("Api-Key", p.apiKey)

	respBody, status, _, err := p.do(httpReq)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, statusError(status, fmt.Sprintf("generate failed: %s", truncateBody(respBody)))
	}

	var resp ideogramResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, &ProviderError{Kind: KindMalformedOutput, Message: fmt.Sprintf("failed to parse response: %v", err)}
	}
	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return nil, &ProviderError{Kind: KindMalformedOutput, Message: "no image url in response"}
	}
	img := resp.Data[0]
	if img.IsImageSafe != nil && !*img.IsImageSafe {
		return nil, &ProviderError{Kind: KindContentPolicy, Message: "image flagged as unsafe"}
	}

	return p.download(ctx, img.URL)
}

func (p *IdeogramProvider) download(ctx context.Context, url string) (*Payload, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create download request: %w", err)
	}

	data, status, contentType, err := p.do(httpReq)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, statusError(status, "image download failed")
	}

	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	p.logger.Debug("Downloaded illustration", "bytes", len(data), "mime", contentType)
	return &Payload{Image: data, MIMEType: contentType}, nil
}

func (p *IdeogramProvider) do(req *http.Request) ([]byte, int, string, error) {
	httpResp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, 0, "", connectionError(err)
	}
	defer func() {
		if err := httpResp.Body.Close(); err != nil {
			p.logger.Warn("Failed to close response body", "error", err)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, 0, "", connectionError(err)
	}
	return body, httpResp.StatusCode, httpResp.Header.Get("Content-Type"), nil
}

// ideogramAspect converts "1:1" style ratios to the "1x1" form the API expects
func ideogramAspect(size string) string {
	if size == "" {
		return "1x1"
	}
	return strings.ReplaceAll(size, ":", "x")
}
