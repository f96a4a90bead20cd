// Package replicate adapts Replicate's minimax/music-1.5 model to provider.Provider.
package replicate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/soundfoundry/backend/internal/provider"
)

const (
	Name         = "replicate"
	modelPath    = "/v1/models/minimax/music-1.5/predictions"
	maxDurationS = 240
)

// Provider creates a prediction and polls it to a terminal state.
type Provider struct {
	token        string
	baseURL      string
	httpClient   *http.Client
	pollInterval time.Duration
}

var _ provider.Provider = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithPollInterval sets how long to wait between status polls.
func WithPollInterval(d time.Duration) Option {
	return func(p *Provider) { p.pollInterval = d }
}

// New creates a replicate provider against baseURL (https://api.replicate.com in production).
func New(token, baseURL string, opts ...Option) *Provider {
	p := &Provider{
		token:        token,
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   http.DefaultClient,
		pollInterval: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return Name }

type apiInput struct {
	Prompt         string  `json:"prompt"`
	Duration       int     `json:"duration"`
	StyleStrength  float64 `json:"style_strength"`
	Lyrics         string  `json:"lyrics,omitempty"`
	HasVocals      bool    `json:"has_vocals,omitempty"`
	Seed           *int    `json:"seed,omitempty"`
	ReferenceAudio string  `json:"reference_audio,omitempty"`
}

type prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  any             `json:"error"`
	URLs   struct {
		Get string `json:"get"`
	} `json:"urls"`
}

// output accepts either a single URL or a list whose first element is the URL.
func (pr prediction) output() string {
	if len(pr.Output) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(pr.Output, &s) == nil {
		return s
	}
	var list []string
	if json.Unmarshal(pr.Output, &list) == nil && len(list) > 0 {
		return list[0]
	}
	return ""
}

func (p *Provider) Generate(ctx context.Context, req provider.Request) (provider.Result, error) {
	if p.token == "" {
		return provider.Result{}, &provider.Error{Provider: Name, Err: fmt.Errorf("%w: REPLICATE_API_TOKEN not set", provider.ErrAuthFailed)}
	}

	in := apiInput{
		Prompt:         req.Prompt,
		Duration:       min(req.DurationS, maxDurationS),
		StyleStrength:  req.StyleStrength,
		Seed:           req.Seed,
		ReferenceAudio: req.ReferenceURL,
	}
	if req.Lyrics != "" {
		in.Lyrics = req.Lyrics
		in.HasVocals = true
	}
	body, err := json.Marshal(map[string]any{"input": in})
	if err != nil {
		return provider.Result{}, &provider.Error{Provider: Name, Err: fmt.Errorf("%w: %v", provider.ErrInvalidRequest, err)}
	}

	pred, err := p.do(ctx, http.MethodPost, p.baseURL+modelPath, body)
	if err != nil {
		return provider.Result{}, err
	}

	for !terminal(pred.Status) {
		if pred.URLs.Get == "" {
			return provider.Result{}, &provider.Error{Provider: Name, Err: fmt.Errorf("%w: prediction %s has no poll url", provider.ErrProviderUnavailable, pred.ID)}
		}
		select {
		case <-ctx.Done():
			return provider.Result{}, provider.TransportError(Name, ctx.Err())
		case <-time.After(p.pollInterval):
		}
		pred, err = p.do(ctx, http.MethodGet, pred.URLs.Get, nil)
		if err != nil {
			return provider.Result{}, err
		}
	}

	if pred.Status != "succeeded" {
		return provider.Result{}, &provider.Error{Provider: Name, Err: fmt.Errorf("%w: prediction %s %s: %v", provider.ErrProviderUnavailable, pred.ID, pred.Status, pred.Error)}
	}
	url := pred.output()
	if url == "" {
		return provider.Result{}, &provider.Error{Provider: Name, Err: fmt.Errorf("%w: unexpected output format: %s", provider.ErrProviderUnavailable, pred.Output)}
	}
	return provider.Result{FileURL: url, Provider: Name, ProviderJobID: pred.ID}, nil
}

func (p *Provider) do(ctx context.Context, method, url string, body []byte) (prediction, error) {
	httpReq, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return prediction{}, &provider.Error{Provider: Name, Err: fmt.Errorf("%w: %v", provider.ErrInvalidRequest, err)}
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.token)
	if method == http.MethodPost {
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Prefer", "wait")
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return prediction{}, provider.TransportError(Name, err)
	}
	if err := provider.MapHTTPStatus(Name, resp); err != nil {
		return prediction{}, err
	}
	defer resp.Body.Close()

	var pred prediction
	if err := json.NewDecoder(resp.Body).Decode(&pred); err != nil {
		return prediction{}, &provider.Error{Provider: Name, Err: fmt.Errorf("%w: decode prediction: %v", provider.ErrProviderUnavailable, err)}
	}
	return pred, nil
}

func terminal(status string) bool {
	switch status {
	case "succeeded", "failed", "canceled":
		return true
	}
	return false
}
