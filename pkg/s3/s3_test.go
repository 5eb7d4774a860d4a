package s3

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oxo/pkg/config"
)

func TestNewClientValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.Archive
	}{
		{name: "missing endpoint", cfg: config.Archive{AccessKey: "a", SecretKey: "b"}},
		{name: "missing credentials", cfg: config.Archive{Endpoint: "localhost:8333"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(context.Background(), tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestPresignGet(t *testing.T) {
	c, err := NewClient(context.Background(), config.Archive{
		Endpoint:       "localhost:8333",
		AccessKey:      "access",
		SecretKey:      "secret",
		DisableTLS:     true,
		ForcePathStyle: true,
	})
	require.NoError(t, err)

	url, err := c.PresignGet(context.Background(), "logs", "scans/42/logs.zst", time.Hour)
	require.NoError(t, err)
	assert.Contains(t, url, "http://localhost:8333/logs/scans/42/logs.zst")
	assert.Contains(t, url, "X-Amz-Signature=")
}

func TestEncodeSHA256(t *testing.T) {
	_, err := encodeSHA256("")
	assert.Error(t, err)
	_, err = encodeSHA256("zz")
	assert.Error(t, err)

	got, err := encodeSHA256("00ff")
	require.NoError(t, err)
	assert.Equal(t, "AP8=", got)
}

func TestNilClient(t *testing.T) {
	var c *Client
	assert.Error(t, c.PutObject(context.Background(), "b", "k", nil, 0, "00"))
	_, err := c.PresignGet(context.Background(), "b", "k", time.Minute)
	assert.Error(t, err)
}
