// Package httpclient configures outbound connections to upstream services.
package httpclient

import (
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// NewDialer creates the websocket dialer used to reach the map service.
func NewDialer() *websocket.Dialer {
	return &websocket.Dialer{
		Proxy:             http.ProxyFromEnvironment,
		NetDialContext:    (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		HandshakeTimeout:  5 * time.Second,
		ReadBufferSize:    32 << 10,
		WriteBufferSize:   32 << 10,
		EnableCompression: true,
	}
}
