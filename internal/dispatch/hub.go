package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/whistle-net/coordinator/internal/errs"
	"github.com/whistle-net/coordinator/internal/ingest"
	"github.com/whistle-net/coordinator/internal/models"
	"github.com/whistle-net/coordinator/internal/prom"
	"github.com/whistle-net/coordinator/internal/registry"
)

const (
	idleDisconnect = 2 * time.Minute
	pingInterval   = 30 * time.Second
)

type outcome struct {
	result json.RawMessage
	err    error
}

// Hub is the browser dispatch channel: an explicit connection registry
// keyed by node id, with disconnect cleanup guaranteed by the read loop's
// deferred drop rather than socket garbage collection.
type Hub struct {
	db       *gorm.DB
	log      *logrus.Logger
	reg      *registry.Registry
	ing      *ingest.Ingestor
	ttl      time.Duration
	tiers    map[models.NodeType]float64
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conns   map[string]*conn
	rrSeq   int
	waiters map[string]chan outcome
}

func NewHub(db *gorm.DB, log *logrus.Logger, reg *registry.Registry, ing *ingest.Ingestor, ttl time.Duration, tiers map[models.NodeType]float64) *Hub {
	return &Hub{
		db:    db,
		log:   log,
		reg:   reg,
		ing:   ing,
		ttl:   ttl,
		tiers: tiers,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns:   make(map[string]*conn),
		waiters: make(map[string]chan outcome),
	}
}

// Serve upgrades the request and runs the connection until it drops. The
// caller's goroutine is the read loop.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	now := time.Now().UTC()
	c := &conn{ws: ws, nodeID: uuid.NewString(), lastPing: now, lastPingSent: now, connected: now}
	ws.SetPongHandler(func(string) error {
		h.mu.Lock()
		c.lastPing = time.Now().UTC()
		h.mu.Unlock()
		return nil
	})

	h.mu.Lock()
	h.conns[c.nodeID] = c
	h.mu.Unlock()
	prom.IncConnectedNodes()
	h.log.WithField("node", c.nodeID).Info("browser node connected")

	_ = c.send(Envelope{Type: MsgWelcome, NodeID: c.nodeID, Message: "connected to coordinator"})

	defer h.dropConn(c)
	for {
		var msg Envelope
		if err := c.ws.ReadJSON(&msg); err != nil {
			return
		}
		h.handleMessage(c, &msg)
	}
}

func (h *Hub) handleMessage(c *conn, msg *Envelope) {
	h.mu.Lock()
	c.lastPing = time.Now().UTC()
	h.mu.Unlock()

	switch msg.Type {
	case MsgRegisterNode:
		h.handleRegister(c, msg)
	case MsgHeartbeat:
		if err := h.reg.Touch(h.nodeIDOf(c)); err != nil && !errs.Is(err, errs.KindNodeNotFound) {
			h.log.WithError(err).Warn("heartbeat touch failed")
		}
		_ = c.send(Envelope{Type: MsgAck, Timestamp: time.Now().UnixMilli()})
	case MsgMetricsReport:
		h.handleMetrics(c, msg)
	case MsgRequestResult:
		h.completeRequest(c, msg.RequestID, msg.Result, msg.Error)
	default:
		h.log.WithField("type", msg.Type).Debug("unknown message type")
	}
}

// handleRegister binds the connection to a wallet and upserts the registry
// row. A node may present its previous id to resume an existing identity.
func (h *Hub) handleRegister(c *conn, msg *Envelope) {
	if msg.Wallet == "" {
		_ = c.send(Envelope{Type: MsgError, Error: "wallet is required"})
		return
	}

	h.mu.Lock()
	if msg.NodeID != "" && msg.NodeID != c.nodeID {
		if _, taken := h.conns[msg.NodeID]; !taken {
			delete(h.conns, c.nodeID)
			c.nodeID = msg.NodeID
			h.conns[c.nodeID] = c
		}
	}
	nodeID := c.nodeID
	h.mu.Unlock()

	node, err := h.reg.Register(nodeID, msg.Wallet, msg.Name, "", models.NodeTypeBrowser)
	if err != nil {
		_ = c.send(Envelope{Type: MsgError, Error: err.Error()})
		if errs.Is(err, errs.KindNodeBanned) {
			c.ws.Close()
		}
		return
	}

	h.mu.Lock()
	c.wallet = msg.Wallet
	c.name = msg.Name
	c.registered = true
	h.mu.Unlock()

	_ = c.send(Envelope{
		Type:       MsgRegistered,
		NodeID:     nodeID,
		Tier:       node.Tier,
		Multiplier: h.tiers[models.NodeTypeBrowser],
	})
	h.log.WithFields(logrus.Fields{"node": nodeID, "wallet": msg.Wallet}).Info("browser node registered")

	// A freshly registered node is idle; give it any queued work.
	h.assignPending()
}

func (h *Hub) handleMetrics(c *conn, msg *Envelope) {
	h.mu.Lock()
	registered := c.registered
	nodeID := c.nodeID
	h.mu.Unlock()

	if !registered || msg.Metrics == nil {
		_ = c.send(Envelope{Type: MsgError, Error: "register before reporting metrics"})
		return
	}

	err := h.ing.Ingest(nodeID, ingest.Report{
		Requests:             msg.Metrics.Requests,
		Hits:                 msg.Metrics.Hits,
		Misses:               msg.Metrics.Misses,
		HitRate:              msg.Metrics.HitRate,
		AvgCacheLatencyMs:    msg.Metrics.AvgCacheLatencyMs,
		AvgUpstreamLatencyMs: msg.Metrics.AvgUpstreamLatencyMs,
		BytesSaved:           msg.Metrics.BytesSaved,
		Online:               msg.Metrics.Online,
	})
	if err != nil {
		_ = c.send(Envelope{Type: MsgError, Error: err.Error()})
		return
	}

	h.mu.Lock()
	c.stats.Requests += msg.Metrics.Requests
	c.stats.Hits += msg.Metrics.Hits
	c.stats.Misses += msg.Metrics.Misses
	c.stats.BytesSaved += msg.Metrics.BytesSaved
	h.mu.Unlock()
}

// Submit creates a pending request, tries to hand it to an idle browser
// node, and blocks the caller until the result arrives or the TTL expires.
func (h *Hub) Submit(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	id := uuid.NewString()
	row := models.PendingRequest{
		ID:        id,
		Method:    method,
		Params:    string(params),
		CreatedAt: time.Now().UTC(),
	}
	if err := h.db.Create(&row).Error; err != nil {
		return nil, err
	}

	ch := make(chan outcome, 1)
	h.mu.Lock()
	h.waiters[id] = ch
	h.mu.Unlock()

	h.tryAssign(id, method, params)

	timer := time.NewTimer(h.ttl)
	defer timer.Stop()
	select {
	case out := <-ch:
		return out.result, out.err
	case <-ctx.Done():
		h.expire(id, "caller cancelled")
		return nil, ctx.Err()
	case <-timer.C:
		h.expire(id, "no browser node served the request in time")
		prom.IncDispatchTimeouts()
		return nil, errs.New(errs.KindNoCapacity, "request %s expired after %s", id, h.ttl)
	}
}

// tryAssign picks an idle registered connection round-robin and sends the
// assignment. Returns false if every node is busy or none is connected.
func (h *Hub) tryAssign(id, method string, params json.RawMessage) bool {
	for {
		h.mu.Lock()
		c := h.pickIdleLocked()
		if c == nil {
			h.mu.Unlock()
			return false
		}
		c.busy = id
		nodeID := c.nodeID
		h.mu.Unlock()

		if err := h.db.Model(&models.PendingRequest{}).
			Where("id = ? AND completed = ?", id, false).
			Update("assigned_to", nodeID).Error; err != nil {
			h.log.WithError(err).Error("assignment write failed")
		}

		err := c.send(Envelope{Type: MsgAssignRequest, RequestID: id, Method: method, Params: params})
		if err == nil {
			prom.IncRequestsAssigned()
			return true
		}
		// Dead socket; drop it and offer the request to the next node.
		h.log.WithField("node", nodeID).Warn("assignment send failed, dropping connection")
		h.dropConn(c)
	}
}

func (h *Hub) pickIdleLocked() *conn {
	ids := make([]string, 0, len(h.conns))
	for id, c := range h.conns {
		if c.registered && c.busy == "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	sort.Strings(ids)
	c := h.conns[ids[h.rrSeq%len(ids)]]
	h.rrSeq++
	return c
}

// completeRequest stores a node's result and wakes the waiting caller. A
// result for an unknown or already-completed request is logged and dropped.
func (h *Hub) completeRequest(c *conn, id string, result json.RawMessage, errMsg string) {
	h.mu.Lock()
	ch, waiting := h.waiters[id]
	if waiting {
		delete(h.waiters, id)
	}
	if c != nil && c.busy == id {
		c.busy = ""
	}
	h.mu.Unlock()

	var row models.PendingRequest
	if err := h.db.First(&row, "id = ?", id).Error; err != nil || row.Completed {
		h.log.WithField("request", id).Info("discarding result for unknown or completed request")
		return
	}

	updates := map[string]any{"completed": true, "result": string(result), "error": errMsg}
	if err := h.db.Model(&models.PendingRequest{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		h.log.WithError(err).Error("result write failed")
	}

	if waiting {
		if errMsg != "" {
			ch <- outcome{err: fmt.Errorf("node error: %s", errMsg)}
		} else {
			ch <- outcome{result: result}
		}
	}

	// The node that answered is idle again.
	h.assignPending()
}

// expire terminally fails a request: waiter removed, row closed, assigned
// node released.
func (h *Hub) expire(id, reason string) {
	h.mu.Lock()
	delete(h.waiters, id)
	for _, c := range h.conns {
		if c.busy == id {
			c.busy = ""
		}
	}
	h.mu.Unlock()

	err := h.db.Model(&models.PendingRequest{}).
		Where("id = ? AND completed = ?", id, false).
		Updates(map[string]any{"completed": true, "error": reason, "assigned_to": ""}).Error
	if err != nil {
		h.log.WithError(err).Error("expire write failed")
	}
}

// dropConn removes a connection and unassigns any request it was serving so
// the request becomes eligible for reassignment within its TTL.
func (h *Hub) dropConn(c *conn) {
	h.mu.Lock()
	current, ok := h.conns[c.nodeID]
	if ok && current == c {
		delete(h.conns, c.nodeID)
	}
	busyID := c.busy
	c.busy = ""
	h.mu.Unlock()
	if !ok || current != c {
		return
	}

	c.ws.Close()
	prom.DecConnectedNodes()
	h.log.WithField("node", c.nodeID).Info("browser node disconnected")

	if busyID != "" {
		err := h.db.Model(&models.PendingRequest{}).
			Where("id = ? AND completed = ?", busyID, false).
			Update("assigned_to", "").Error
		if err != nil {
			h.log.WithError(err).Error("unassign write failed")
		}
		h.assignPending()
	}
}

// assignPending retries every live unassigned request, oldest first.
func (h *Hub) assignPending() {
	cutoff := time.Now().UTC().Add(-h.ttl)
	var rows []models.PendingRequest
	err := h.db.Where("completed = ? AND assigned_to = ? AND created_at > ?", false, "", cutoff).
		Order("created_at ASC").Find(&rows).Error
	if err != nil {
		h.log.WithError(err).Error("pending scan failed")
		return
	}
	for _, row := range rows {
		if !h.tryAssign(row.ID, row.Method, json.RawMessage(row.Params)) {
			return
		}
	}
}

// Sweep expires TTL-passed requests, pings quiet sockets, closes idle
// ones, and retries queued assignments. Run it periodically.
func (h *Hub) Sweep(now time.Time) {
	now = now.UTC()

	var stale []models.PendingRequest
	err := h.db.Where("completed = ? AND created_at <= ?", false, now.Add(-h.ttl)).Find(&stale).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		h.log.WithError(err).Error("sweep scan failed")
	}
	for _, row := range stale {
		h.expire(row.ID, "no browser node served the request in time")
		prom.IncDispatchTimeouts()
	}

	h.mu.Lock()
	var toPing, idle []*conn
	for _, c := range h.conns {
		if now.Sub(c.lastPing) > idleDisconnect {
			idle = append(idle, c)
			continue
		}
		if now.Sub(c.lastPingSent) >= pingInterval {
			c.lastPingSent = now
			toPing = append(toPing, c)
		}
	}
	h.mu.Unlock()
	for _, c := range toPing {
		if err := c.ping(); err != nil {
			h.log.WithField("node", c.nodeID).Warn("ping failed, dropping connection")
			h.dropConn(c)
		}
	}
	for _, c := range idle {
		h.log.WithField("node", c.nodeID).Info("closing idle browser connection")
		c.ws.Close() // read loop exits and drops the conn
	}

	h.assignPending()
}

// Run drives the sweep until the context is cancelled.
func (h *Hub) Run(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Sweep(time.Now())
		}
	}
}

func (h *Hub) nodeIDOf(c *conn) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return c.nodeID
}

// IsConnected reports whether a browser node currently holds a live
// dispatch connection.
func (h *Hub) IsConnected(nodeID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.conns[nodeID]
	return ok
}

func (h *Hub) ConnectedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Snapshot returns the live view of every connection.
func (h *Hub) Snapshot() []ConnInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	infos := make([]ConnInfo, 0, len(h.conns))
	for _, c := range h.conns {
		infos = append(infos, ConnInfo{
			NodeID:    c.nodeID,
			Wallet:    c.wallet,
			Name:      c.name,
			Busy:      c.busy != "",
			LastPing:  c.lastPing,
			Connected: c.connected,
			Stats:     c.stats,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].NodeID < infos[j].NodeID })
	return infos
}
