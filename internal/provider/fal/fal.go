// Package fal adapts the fal.ai MiniMax Music v2 endpoint to provider.Provider.
package fal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/soundfoundry/backend/internal/provider"
)

const (
	Name  = "fal"
	model = "fal-ai/minimax-music/v2"

	minDurationS = 5
	maxDurationS = 240
)

// Provider calls fal.ai synchronously.
type Provider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

var _ provider.Provider = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// New creates a fal provider against baseURL (https://fal.run in production).
func New(apiKey, baseURL string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return Name }

type apiRequest struct {
	Prompt            string  `json:"prompt"`
	Duration          int     `json:"duration"`
	StyleStrength     float64 `json:"style_strength"`
	Lyrics            string  `json:"lyrics,omitempty"`
	Seed              *int    `json:"seed,omitempty"`
	ReferenceAudioURL string  `json:"reference_audio_url,omitempty"`
}

// apiResponse covers the result shapes the endpoint has been seen to return.
type apiResponse struct {
	RequestID string          `json:"request_id"`
	AudioURL  string          `json:"audio_url"`
	Audio     json.RawMessage `json:"audio"`
	URL       string          `json:"url"`
}

func (r apiResponse) fileURL() string {
	if r.AudioURL != "" {
		return r.AudioURL
	}
	if len(r.Audio) > 0 {
		var s string
		if json.Unmarshal(r.Audio, &s) == nil && s != "" {
			return s
		}
		var obj struct {
			URL string `json:"url"`
		}
		if json.Unmarshal(r.Audio, &obj) == nil && obj.URL != "" {
			return obj.URL
		}
	}
	return r.URL
}

func (p *Provider) Generate(ctx context.Context, req provider.Request) (provider.Result, error) {
	if p.apiKey == "" {
		return provider.Result{}, &provider.Error{Provider: Name, Err: fmt.Errorf("%w: FAL_KEY not set", provider.ErrAuthFailed)}
	}

	body, err := json.Marshal(apiRequest{
		Prompt:            req.Prompt,
		Duration:          provider.Clamp(req.DurationS, minDurationS, maxDurationS),
		StyleStrength:     provider.Clamp(req.StyleStrength, 0, 1),
		Lyrics:            req.Lyrics,
		Seed:              req.Seed,
		ReferenceAudioURL: req.ReferenceURL,
	})
	if err != nil {
		return provider.Result{}, &provider.Error{Provider: Name, Err: fmt.Errorf("%w: %v", provider.ErrInvalidRequest, err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/"+model, bytes.NewReader(body))
	if err != nil {
		return provider.Result{}, &provider.Error{Provider: Name, Err: fmt.Errorf("%w: %v", provider.ErrInvalidRequest, err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Key "+p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return provider.Result{}, provider.TransportError(Name, err)
	}
	if err := provider.MapHTTPStatus(Name, resp); err != nil {
		return provider.Result{}, err
	}
	defer resp.Body.Close()

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return provider.Result{}, &provider.Error{Provider: Name, Err: fmt.Errorf("%w: decode response: %v", provider.ErrProviderUnavailable, err)}
	}
	url := out.fileURL()
	if url == "" {
		return provider.Result{}, &provider.Error{Provider: Name, Err: fmt.Errorf("%w: response carries no audio url", provider.ErrProviderUnavailable)}
	}
	return provider.Result{FileURL: url, Provider: Name, ProviderJobID: out.RequestID}, nil
}
