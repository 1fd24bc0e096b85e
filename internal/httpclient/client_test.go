package httpclient

import (
	"crypto/tls"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTLSConfig(t *testing.T) {
	cfg := TLSConfig()
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.NotEmpty(t, cfg.CipherSuites)
}

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		opts        Options
		wantTimeout time.Duration
		wantPerHost int
	}{
		{"defaults", Options{}, DefaultTimeout, 64},
		{"custom", Options{Timeout: 5 * time.Second, MaxIdleConnsPerHost: 8}, 5 * time.Second, 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := New(tt.opts)
			assert.Equal(t, tt.wantTimeout, client.Timeout)

			tr, ok := client.Transport.(*http.Transport)
			require.True(t, ok)
			assert.Equal(t, tt.wantPerHost, tr.MaxIdleConnsPerHost)
		})
	}
}
