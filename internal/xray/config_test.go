package xray

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildConfig(t *testing.T) {
	spec := InboundSpec{Port: 10001, Listen: "127.0.0.1", WSPath: "/tunnel", DNS: []string{"8.8.8.8", "1.1.1.1"}}

	cfg := BuildConfig(spec, []string{"id-1", "id-2"})

	require.Len(t, cfg.Inbounds, 1)
	in := cfg.Inbounds[0]
	assert.Equal(t, 10001, in.Port)
	assert.Equal(t, "127.0.0.1", in.Listen)
	assert.Equal(t, "vless", in.Protocol)
	assert.Equal(t, "none", in.Settings.Decryption)
	require.Len(t, in.Settings.Clients, 2)
	assert.Equal(t, "id-1", in.Settings.Clients[0].ID)
	assert.Equal(t, "id-2", in.Settings.Clients[1].ID)
	assert.Equal(t, "ws", in.StreamSettings.Network)
	assert.Equal(t, "/tunnel", in.StreamSettings.WSSettings.Path)
	assert.Equal(t, []Outbound{{Protocol: "freedom", Tag: "direct"}}, cfg.Outbounds)
	require.NotNil(t, cfg.DNS)
	assert.Equal(t, []string{"8.8.8.8", "1.1.1.1"}, cfg.DNS.Servers)
	assert.Equal(t, "warning", cfg.Log.LogLevel)
}

func TestBuildConfig_NoClientsGetsPlaceholder(t *testing.T) {
	cfg := BuildConfig(InboundSpec{Port: 10000, WSPath: "/vless"}, nil)

	clients := cfg.Inbounds[0].Settings.Clients
	require.Len(t, clients, 1)
	_, err := uuid.Parse(clients[0].ID)
	assert.NoError(t, err)
	assert.Nil(t, cfg.DNS)
}

func TestConfigMarshal(t *testing.T) {
	data, err := BuildConfig(InboundSpec{Port: 10000, WSPath: "/vless"}, []string{"abc"}).Marshal()
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.NotContains(t, raw, "dns")
	in := raw["inbounds"].([]any)[0].(map[string]any)
	assert.NotContains(t, in, "listen")
	assert.Equal(t, "/vless", in["streamSettings"].(map[string]any)["wsSettings"].(map[string]any)["path"])
}

func TestConfigMarshal_ClientStyle(t *testing.T) {
	tests := []struct {
		name  string
		style ClientStyle
		want  map[string]any
	}{
		{"master writes flow", ClientFlow, map[string]any{"id": "abc", "flow": ""}},
		{"worker writes level", ClientLevel, map[string]any{"id": "abc", "level": float64(0)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := InboundSpec{Port: 10000, WSPath: "/vless", ClientStyle: tt.style}
			data, err := BuildConfig(spec, []string{"abc"}).Marshal()
			require.NoError(t, err)

			var raw struct {
				Inbounds []struct {
					Settings struct {
						Clients []map[string]any `json:"clients"`
					} `json:"settings"`
				} `json:"inbounds"`
			}
			require.NoError(t, json.Unmarshal(data, &raw))
			assert.Equal(t, []map[string]any{tt.want}, raw.Inbounds[0].Settings.Clients)
		})
	}
}

func TestWriteConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "xray_config.json")

	require.NoError(t, WriteConfig(path, []byte(`{"a":1}`)))
	require.NoError(t, WriteConfig(path, []byte(`{"a":2}`)))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"a":2}`, string(got))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}
