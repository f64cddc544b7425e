package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDispatcherDomain(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want string
	}{
		{"empty falls back", "", "libra.sh"},
		{"full url", "https://dispatcher.example.com", "dispatcher.example.com"},
		{"url with port and path", "https://dispatcher.example.com:8443/v1", "dispatcher.example.com"},
		{"unparseable falls back", "://not-a-url", "libra.sh"},
		{"no host falls back", "/just/a/path", "libra.sh"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DeployConfig{DispatcherURL: tt.url}
			assert.Equal(t, tt.want, cfg.DispatcherDomain())
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "e2b", cfg.Sandbox.DefaultProvider)
	assert.Equal(t, "libra.sh", cfg.Deploy.DispatcherDomain())
}
