package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewResource(t *testing.T) {
	cfg := NewDefaultConfig()

	res, err := newResource(cfg)
	require.NoError(t, err)
	require.NotNil(t, res)

	found := map[string]string{}
	for _, attr := range res.Attributes() {
		found[string(attr.Key)] = attr.Value.AsString()
	}
	assert.Equal(t, cfg.ServiceName, found["service.name"])
	assert.Equal(t, cfg.ServiceVersion, found["service.version"])
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	assert.Equal(t, "collector:4318", stripScheme("http://collector:4318"))
	assert.Equal(t, "collector:4318", stripScheme("collector:4318"))
}
