package dispatch

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ConnStats is the live counter snapshot for one connected browser node,
// refreshed from each metrics_report frame.
type ConnStats struct {
	Requests   int64 `json:"requests"`
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
	BytesSaved int64 `json:"bytes_saved"`
}

// conn is one browser node's session. All fields except the socket and its
// write mutex are guarded by the hub mutex.
type conn struct {
	ws     *websocket.Conn
	nodeID string
	wallet string
	name   string

	registered   bool
	lastPing     time.Time
	lastPingSent time.Time
	busy         string // request id currently assigned, "" when idle
	stats        ConnStats
	connected    time.Time

	writeMu sync.Mutex
}

// send serializes writes; gorilla connections allow one concurrent writer.
func (c *conn) send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

// ping sends a websocket ping control frame; the pong handler installed at
// upgrade time refreshes lastPing when the node answers.
func (c *conn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
}

// ConnInfo is the externally visible view of a connection for stats
// endpoints.
type ConnInfo struct {
	NodeID    string    `json:"node_id"`
	Wallet    string    `json:"wallet"`
	Name      string    `json:"name"`
	Busy      bool      `json:"busy"`
	LastPing  time.Time `json:"last_ping"`
	Connected time.Time `json:"connected"`
	Stats     ConnStats `json:"stats"`
}
