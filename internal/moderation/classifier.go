package moderation

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// ClassifierConfig holds the settings for the HTTP classifier client.
type ClassifierConfig struct {
	URL           string        // e.g. http://127.0.0.1:5000/check_nsfw
	Timeout       time.Duration // upper bound on one round-trip
	MaxImageBytes int64         // decoded image size cap
}

// DefaultClassifierConfig returns the settings of a classifier running next
// to the relay.
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		URL:           "http://127.0.0.1:5000/check_nsfw",
		Timeout:       10 * time.Second,
		MaxImageBytes: 10 << 20,
	}
}

// HTTPClassifier posts images to the NSFW classification service as a
// multipart form (field "image") and reads back {"nsfw": 0|1}.
type HTTPClassifier struct {
	config ClassifierConfig
	client *http.Client
}

// NewHTTPClassifier creates a classifier client. A nil httpClient uses a
// client whose timeout matches config.Timeout.
func NewHTTPClassifier(config ClassifierConfig, httpClient *http.Client) *HTTPClassifier {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}
	return &HTTPClassifier{config: config, client: httpClient}
}

type classifyResponse struct {
	NSFW *int `json:"nsfw"`
}

// Classify decodes dataURL and asks the classifier for a verdict. Every
// failure is returned as a *ClassificationError.
func (c *HTTPClassifier) Classify(ctx context.Context, dataURL string) (Verdict, error) {
	img, err := DecodeDataURL(dataURL, c.config.MaxImageBytes)
	if err != nil {
		return Clean, &ClassificationError{Op: "decode", Err: err}
	}

	mtype := mimetype.Detect(img)
	if !strings.HasPrefix(mtype.String(), "image/") {
		return Clean, &ClassificationError{Op: "decode", Err: fmt.Errorf("%w: %s", ErrNotAnImage, mtype.String())}
	}

	body, contentType, err := multipartImage(img, "image"+mtype.Extension())
	if err != nil {
		return Clean, &ClassificationError{Op: "request", Err: err}
	}

	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, body)
	if err != nil {
		return Clean, &ClassificationError{Op: "request", Err: err}
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return Clean, &ClassificationError{Op: "request", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Clean, &ClassificationError{Op: "response", Err: fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)}
	}

	var out classifyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&out); err != nil {
		return Clean, &ClassificationError{Op: "response", Err: fmt.Errorf("%w: %v", ErrMalformedResponse, err)}
	}
	if out.NSFW == nil {
		return Clean, &ClassificationError{Op: "response", Err: fmt.Errorf("%w: missing nsfw field", ErrMalformedResponse)}
	}

	switch *out.NSFW {
	case 0:
		return Clean, nil
	case 1:
		return Flagged, nil
	default:
		return Clean, &ClassificationError{Op: "response", Err: fmt.Errorf("%w: nsfw=%d", ErrMalformedResponse, *out.NSFW)}
	}
}

// DecodeDataURL returns the bytes after the comma of a base64 data URL
// ("data:image/jpeg;base64,...."). Images larger than maxBytes are rejected
// before decoding; maxBytes <= 0 disables the check.
func DecodeDataURL(dataURL string, maxBytes int64) ([]byte, error) {
	idx := strings.IndexByte(dataURL, ',')
	if idx < 0 {
		return nil, fmt.Errorf("%w: no payload separator", ErrMalformedImage)
	}
	payload := strings.TrimSpace(dataURL[idx+1:])
	if payload == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedImage)
	}

	if maxBytes > 0 && int64(base64.StdEncoding.DecodedLen(len(payload))) > maxBytes+2 {
		return nil, fmt.Errorf("%w: limit %d bytes", ErrImageTooLarge, maxBytes)
	}

	img, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedImage, err)
	}
	if maxBytes > 0 && int64(len(img)) > maxBytes {
		return nil, fmt.Errorf("%w: limit %d bytes", ErrImageTooLarge, maxBytes)
	}
	return img, nil
}

func multipartImage(img []byte, filename string) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("image", filename)
	if err != nil {
		return nil, "", fmt.Errorf("moderation: create form file: %w", err)
	}
	if _, err := part.Write(img); err != nil {
		return nil, "", fmt.Errorf("moderation: write form file: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("moderation: close multipart writer: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}
