package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/maauso/mediasqueeze/internal/imagecodec"
	"github.com/maauso/mediasqueeze/internal/mediaerr"
)

const (
	// DefaultBaseURL is the public Gemini API host.
	DefaultBaseURL = "https://generativelanguage.googleapis.com"
	// DefaultModel is the image model used for upscaling.
	DefaultModel = "gemini-3-pro-image-preview"
	// DefaultImageSize is the resolution tier requested from the model.
	DefaultImageSize = "4K"
	// DefaultTimeout bounds a whole upscale request.
	DefaultTimeout = 120 * time.Second
	// DefaultPrompt asks for a faithful, higher resolution copy.
	DefaultPrompt = "Upscale this image to a higher resolution. Preserve the composition, " +
		"colors and every detail exactly; sharpen edges and restore fine texture without adding new content."
)

// Static errors for Gemini client operations.
var (
	// ErrBaseURLRequired is returned when the base URL is set to empty.
	ErrBaseURLRequired = errors.New("gemini: base URL is required")
	// ErrModelRequired is returned when the model is set to empty.
	ErrModelRequired = errors.New("gemini: model is required")
	// ErrAPIKeyRequired is returned when Upscale is called without an API key.
	ErrAPIKeyRequired = errors.New("gemini: API key is required")
)

// Upscaler upscales images.
type Upscaler interface {
	Upscale(ctx context.Context, image []byte, apiKey string) ([]byte, error)
}

// IntermediateEncoder turns any supported image into the PNG sent upstream.
type IntermediateEncoder interface {
	EncodeIntermediate(data []byte) ([]byte, error)
}

// HTTPClient is the HTTP implementation of Upscaler.
type HTTPClient struct {
	baseURL    string
	model      string
	imageSize  string
	prompt     string
	httpClient *http.Client
	codec      IntermediateEncoder
	logger     *slog.Logger
}

// ClientOption is a function that configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithHTTPClient sets a custom HTTP client. Its Timeout is the request bound.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(hc *HTTPClient) {
		hc.httpClient = c
	}
}

// WithBaseURL sets the API host, e.g. a test server URL.
func WithBaseURL(url string) ClientOption {
	return func(hc *HTTPClient) {
		hc.baseURL = url
	}
}

// WithModel sets the model id.
func WithModel(model string) ClientOption {
	return func(hc *HTTPClient) {
		hc.model = model
	}
}

// WithImageSize sets the requested resolution tier ("1K", "2K", "4K").
func WithImageSize(size string) ClientOption {
	return func(hc *HTTPClient) {
		if size != "" {
			hc.imageSize = size
		}
	}
}

// WithPrompt replaces the upscale instruction.
func WithPrompt(prompt string) ClientOption {
	return func(hc *HTTPClient) {
		if prompt != "" {
			hc.prompt = prompt
		}
	}
}

// WithCodec sets the encoder used to build the PNG payload.
func WithCodec(c IntermediateEncoder) ClientOption {
	return func(hc *HTTPClient) {
		if c != nil {
			hc.codec = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(hc *HTTPClient) {
		if l != nil {
			hc.logger = l
		}
	}
}

// NewClient creates a new Gemini HTTP client.
func NewClient(opts ...ClientOption) (*HTTPClient, error) {
	c := &HTTPClient{
		baseURL:    DefaultBaseURL,
		model:      DefaultModel,
		imageSize:  DefaultImageSize,
		prompt:     DefaultPrompt,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.baseURL == "" {
		return nil, ErrBaseURLRequired
	}
	if c.model == "" {
		return nil, ErrModelRequired
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	if c.codec == nil {
		c.codec = imagecodec.New(imagecodec.WithLogger(c.logger))
	}
	return c, nil
}

// Endpoint returns the generateContent URL requests are sent to.
func (c *HTTPClient) Endpoint() string {
	return fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.baseURL, c.model)
}

// Upscale sends image to the model and returns the image it answers with.
// The call is a single blocking request bounded by the HTTP client timeout;
// it is never retried.
func (c *HTTPClient) Upscale(ctx context.Context, image []byte, apiKey string) ([]byte, error) {
	const op = "upscale"

	if apiKey == "" {
		return nil, mediaerr.API(op, 0, "", ErrAPIKeyRequired)
	}

	png, err := c.codec.EncodeIntermediate(image)
	if err != nil {
		return nil, err
	}

	reqBody := newGenerateRequest(c.prompt, imagecodec.MimePNG, base64.StdEncoding.EncodeToString(png), c.imageSize)
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, mediaerr.Encode(op, fmt.Errorf("marshal request: %w", err))
	}

	respBody, err := c.doRequest(ctx, op, apiKey, bodyBytes)
	if err != nil {
		return nil, err
	}

	payload, err := extractPayload(op, respBody)
	if err != nil {
		return nil, err
	}

	out, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, mediaerr.Base64(op, err)
	}

	c.logger.Debug("image upscaled",
		slog.String("model", c.model),
		slog.String("image_size", c.imageSize),
		slog.Int("input_bytes", len(image)),
		slog.Int("output_bytes", len(out)),
	)
	return out, nil
}

// doRequest performs the POST and returns the body of a 2xx response.
func (c *HTTPClient) doRequest(ctx context.Context, op, apiKey string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, mediaerr.API(op, 0, "", fmt.Errorf("create request: %w", err))
	}

	req.Header.Set("x-goog-api-key", apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, mediaerr.API(op, 0, "", fmt.Errorf("request failed: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, mediaerr.IO(op, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("gemini request rejected",
			slog.Int("status", resp.StatusCode),
			slog.Int("body_bytes", len(respBody)),
		)
		return nil, mediaerr.API(op, resp.StatusCode, string(respBody), nil)
	}

	return respBody, nil
}
