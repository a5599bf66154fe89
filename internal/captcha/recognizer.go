package captcha

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
)

// HTTPRecognizer posts PNG images to an OCR endpoint that answers {"text":..., "confidence":...}.
type HTTPRecognizer struct {
	url    string
	client *http.Client
}

// NewHTTPRecognizer constructs an OCR client with the given request timeout.
func NewHTTPRecognizer(url string, timeout time.Duration) *HTTPRecognizer {
	return &HTTPRecognizer{url: url, client: &http.Client{Timeout: timeout}}
}

// Recognize implements Recognizer.
func (r *HTTPRecognizer) Recognize(ctx context.Context, png []byte) (Recognition, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(png))
	if err != nil {
		return Recognition{}, err
	}
	req.Header.Set("Content-Type", "image/png")
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return Recognition{}, fmt.Errorf("ocr request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Recognition{}, fmt.Errorf("ocr read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Recognition{}, fmt.Errorf("ocr status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	var out Recognition
	if err := json.Unmarshal(body, &out); err != nil {
		return Recognition{}, fmt.Errorf("ocr decode: %w", err)
	}
	return out, nil
}
