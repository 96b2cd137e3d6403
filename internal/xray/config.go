package xray

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// ClientStyle selects the per-client fields written next to the id.
type ClientStyle int

const (
	// ClientFlow writes {id, flow:""}, used by the master.
	ClientFlow ClientStyle = iota
	// ClientLevel writes {id, level:0}, used by workers.
	ClientLevel
)

// InboundSpec describes the VLESS-over-WebSocket inbound of a node.
type InboundSpec struct {
	Port        int
	Listen      string
	WSPath      string
	DNS         []string
	ClientStyle ClientStyle
}

// Config is the subset of the Xray JSON config this service generates.
type Config struct {
	Log       LogSettings `json:"log"`
	Inbounds  []Inbound   `json:"inbounds"`
	Outbounds []Outbound  `json:"outbounds"`
	DNS       *DNS        `json:"dns,omitempty"`
}

type LogSettings struct {
	LogLevel string `json:"loglevel"`
}

type Inbound struct {
	Port           int             `json:"port"`
	Listen         string          `json:"listen,omitempty"`
	Protocol       string          `json:"protocol"`
	Settings       InboundSettings `json:"settings"`
	StreamSettings StreamSettings  `json:"streamSettings"`
}

type InboundSettings struct {
	Clients    []Client `json:"clients"`
	Decryption string   `json:"decryption"`
}

type Client struct {
	ID    string  `json:"id"`
	Flow  *string `json:"flow,omitempty"`
	Level *int    `json:"level,omitempty"`
}

func newClient(style ClientStyle, id string) Client {
	if style == ClientLevel {
		level := 0
		return Client{ID: id, Level: &level}
	}
	flow := ""
	return Client{ID: id, Flow: &flow}
}

type StreamSettings struct {
	Network    string     `json:"network"`
	WSSettings WSSettings `json:"wsSettings"`
}

type WSSettings struct {
	Path string `json:"path"`
}

type Outbound struct {
	Protocol string `json:"protocol"`
	Tag      string `json:"tag"`
}

type DNS struct {
	Servers []string `json:"servers"`
}

// BuildConfig renders the Xray config for the given client ids.
// Xray refuses a VLESS inbound without clients, so an empty list gets a
// single random placeholder id nobody knows.
func BuildConfig(spec InboundSpec, clientIDs []string) Config {
	clients := make([]Client, 0, len(clientIDs))
	for _, id := range clientIDs {
		clients = append(clients, newClient(spec.ClientStyle, id))
	}
	if len(clients) == 0 {
		clients = append(clients, newClient(spec.ClientStyle, uuid.NewString()))
	}

	cfg := Config{
		Log: LogSettings{LogLevel: "warning"},
		Inbounds: []Inbound{{
			Port:     spec.Port,
			Listen:   spec.Listen,
			Protocol: "vless",
			Settings: InboundSettings{
				Clients:    clients,
				Decryption: "none",
			},
			StreamSettings: StreamSettings{
				Network:    "ws",
				WSSettings: WSSettings{Path: spec.WSPath},
			},
		}},
		Outbounds: []Outbound{{Protocol: "freedom", Tag: "direct"}},
	}
	if len(spec.DNS) > 0 {
		cfg.DNS = &DNS{Servers: spec.DNS}
	}
	return cfg
}

// Marshal returns the indented JSON form of the config.
func (c Config) Marshal() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// WriteConfig writes data to path via a temp file and rename so Xray never
// sees a half-written file.
func WriteConfig(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".xray-*.json")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}
