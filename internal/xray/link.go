package xray

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
)

// VLESSLink builds a client share link for a TLS-terminated WebSocket endpoint
// on port 443.
func VLESSLink(userUUID, host, wsPath, tag string) string {
	return fmt.Sprintf(
		"vless://%s@%s:443?encryption=none&security=tls&type=ws&path=%s&host=%s#NefritVPN-%s",
		userUUID, host, url.QueryEscape(wsPath), host, tag,
	)
}

// EncodeSubscription returns the base64 subscription body understood by
// V2rayNG/V2rayN/Streisand: one link per line.
func EncodeSubscription(links ...string) string {
	return base64.StdEncoding.EncodeToString([]byte(strings.Join(links, "\n")))
}
