package mock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundfoundry/backend/internal/provider"
)

func TestGenerate_Defaults(t *testing.T) {
	p := New()
	res, err := p.Generate(context.Background(), provider.Request{Prompt: "lofi", DurationS: 30})
	require.NoError(t, err)

	assert.Equal(t, "mock", res.Provider)
	assert.Equal(t, "https://mock.local/mock/1.mp3", res.FileURL)
	assert.Equal(t, "mock-1", res.ProviderJobID)
	assert.EqualValues(t, 1, p.Calls())
	require.NotNil(t, p.LastRequest())
	assert.Equal(t, "lofi", p.LastRequest().Prompt)
}

func TestGenerate_StaticError(t *testing.T) {
	p := New(WithName("fal"), WithError(provider.ErrAuthFailed))
	_, err := p.Generate(context.Background(), provider.Request{})
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrAuthFailed)

	var pe *provider.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "fal", pe.Provider)
}

func TestGenerate_LatencyHonoursContext(t *testing.T) {
	p := New(WithLatency(time.Second))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := p.Generate(ctx, provider.Request{})
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrProviderUnavailable)
}
