package dispatch

import "encoding/json"

// Message types carried in the Type discriminator of every frame.
const (
	// node -> coordinator
	MsgRegisterNode  = "register_node"
	MsgHeartbeat     = "heartbeat"
	MsgMetricsReport = "metrics_report"
	MsgRequestResult = "request_result"

	// coordinator -> node
	MsgWelcome       = "welcome"
	MsgRegistered    = "registered"
	MsgAssignRequest = "assign_request"
	MsgAck           = "ack"
	MsgError         = "error"
)

// Envelope is the single JSON frame shape used in both directions; fields
// not relevant to a message type are omitted.
type Envelope struct {
	Type       string          `json:"type"`
	NodeID     string          `json:"nodeId,omitempty"`
	Wallet     string          `json:"wallet,omitempty"`
	Name       string          `json:"name,omitempty"`
	RequestID  string          `json:"requestId,omitempty"`
	Method     string          `json:"method,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Message    string          `json:"message,omitempty"`
	Tier       int             `json:"tier,omitempty"`
	Multiplier float64         `json:"multiplier,omitempty"`
	Timestamp  int64           `json:"timestamp,omitempty"`
	Metrics    *MetricsPayload `json:"metrics,omitempty"`
}

// MetricsPayload carries one reporting interval inside a metrics_report
// frame; counts are interval deltas.
type MetricsPayload struct {
	Requests             int64   `json:"requests"`
	Hits                 int64   `json:"hits"`
	Misses               int64   `json:"misses"`
	HitRate              float64 `json:"hitRate"`
	AvgCacheLatencyMs    float64 `json:"avgCacheLatencyMs"`
	AvgUpstreamLatencyMs float64 `json:"avgUpstreamLatencyMs"`
	BytesSaved           int64   `json:"bytesSaved"`
	Online               bool    `json:"online"`
}
