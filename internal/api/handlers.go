package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/whistle-net/coordinator/internal/errs"
	"github.com/whistle-net/coordinator/internal/ingest"
	"github.com/whistle-net/coordinator/internal/models"
)

func (s *Server) getHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":                  "ok",
		"service":                 "whistle-coordinator",
		"connected_browser_nodes": s.hub.ConnectedCount(),
		"timestamp":               time.Now().UnixMilli(),
	})
}

func (s *Server) getInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":              "Whistle Coordinator",
		"reward_pool":       s.cfg.RewardPool,
		"epoch_duration":    s.cfg.EpochDuration.String(),
		"query_cost":        s.cfg.QueryCostLamports,
		"tier_multipliers":  s.cfg.TierMultipliers,
		"uptime_bands":      s.cfg.UptimeBands,
		"onchain_settlement": s.cfg.EnableOnchainSettlement,
	})
}

type registerNodeRequest struct {
	ID       string `json:"id"`
	Wallet   string `json:"wallet" binding:"required"`
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
	NodeType string `json:"nodeType"`
}

func (s *Server) postRegisterNode(c *gin.Context) {
	var req registerNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errs.New(errs.KindInvalidArgument, "%v", err))
		return
	}
	nodeType := models.NodeType(req.NodeType)
	if nodeType != models.NodeTypeServer && nodeType != models.NodeTypeBrowser {
		nodeType = models.NodeTypeServer
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	node, err := s.registry.Register(req.ID, req.Wallet, req.Name, req.Endpoint, nodeType)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"node":       node,
		"multiplier": s.cfg.TierMultipliers[node.NodeType],
	})
}

type metricsRequest struct {
	Timestamp            int64   `json:"timestamp"`
	Requests             int64   `json:"requests"`
	Hits                 int64   `json:"hits"`
	Misses               int64   `json:"misses"`
	HitRate              float64 `json:"hitRate"`
	AvgCacheLatencyMs    float64 `json:"avgCacheLatencyMs"`
	AvgUpstreamLatencyMs float64 `json:"avgUpstreamLatencyMs"`
	BytesSaved           int64   `json:"bytesSaved"`
	Online               *bool   `json:"online"`
}

func (s *Server) postNodeMetrics(c *gin.Context) {
	var req metricsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errs.New(errs.KindInvalidArgument, "%v", err))
		return
	}
	rep := ingest.Report{
		Requests:             req.Requests,
		Hits:                 req.Hits,
		Misses:               req.Misses,
		HitRate:              req.HitRate,
		AvgCacheLatencyMs:    req.AvgCacheLatencyMs,
		AvgUpstreamLatencyMs: req.AvgUpstreamLatencyMs,
		BytesSaved:           req.BytesSaved,
		Online:               req.Online == nil || *req.Online,
	}
	if req.Timestamp > 0 {
		rep.Timestamp = time.UnixMilli(req.Timestamp).UTC()
	}
	if err := s.ingestor.Ingest(c.Param("id"), rep); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) getNodes(c *gin.Context) {
	var (
		nodes []models.Node
		err   error
	)
	if t := c.Query("type"); t != "" {
		nodes, err = s.registry.ListByType(models.NodeType(t))
	} else if since := c.Query("since"); since != "" {
		seconds, convErr := strconv.Atoi(since)
		if convErr != nil {
			writeError(c, errs.New(errs.KindInvalidArgument, "invalid since parameter"))
			return
		}
		nodes, err = s.registry.ListActive(time.Duration(seconds) * time.Second)
	} else {
		nodes, err = s.registry.List()
	}
	if err != nil {
		writeError(c, err)
		return
	}

	type nodeView struct {
		models.Node
		Online     bool    `json:"online"`
		HitRate    float64 `json:"hit_rate"`
		Multiplier float64 `json:"multiplier"`
	}
	views := make([]nodeView, 0, len(nodes))
	online := 0
	for _, n := range nodes {
		isOnline := s.nodeOnline(&n)
		if isOnline {
			online++
		}
		views = append(views, nodeView{
			Node:       n,
			Online:     isOnline,
			HitRate:    n.HitRate(),
			Multiplier: s.cfg.TierMultipliers[n.NodeType],
		})
	}
	c.JSON(http.StatusOK, gin.H{"nodes": views, "total": len(views), "online": online})
}

// nodeOnline: browser nodes are online while their dispatch connection
// lives; server nodes while last_seen is inside two report intervals.
func (s *Server) nodeOnline(n *models.Node) bool {
	if n.NodeType == models.NodeTypeBrowser {
		return s.hub.IsConnected(n.ID)
	}
	return time.Since(n.LastSeen) < 2*s.cfg.ReportInterval
}

func (s *Server) getNode(c *gin.Context) {
	node, err := s.registry.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	reports, err := s.ingestor.RecentForNode(node.ID, 100)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"node":           node,
		"online":         s.nodeOnline(node),
		"recent_metrics": reports,
	})
}

func (s *Server) getRewards(c *gin.Context) {
	wallet := c.Query("wallet")
	if wallet == "" {
		writeError(c, errs.New(errs.KindInvalidArgument, "wallet query parameter required"))
		return
	}
	var rewards []models.Reward
	if err := s.db.Where("wallet = ?", wallet).Order("calculated_at DESC").Find(&rewards).Error; err != nil {
		writeError(c, err)
		return
	}

	var earned, claimed, server, browser float64
	for _, r := range rewards {
		earned += r.Amount
		if r.Claimed {
			claimed += r.Amount
		}
		switch r.NodeType {
		case models.NodeTypeServer:
			server += r.Amount
		case models.NodeTypeBrowser:
			browser += r.Amount
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"wallet":       wallet,
		"total_earned": earned,
		"total_claimed": claimed,
		"pending":      earned - claimed,
		"breakdown":    gin.H{"server": server, "browser": browser},
		"rewards":      rewards,
	})
}

type claimRequest struct {
	Wallet string `json:"wallet" binding:"required"`
}

// postClaimRewards marks every unclaimed reward for the wallet claimed.
// The claimed flag is never reverted; payout execution belongs to the
// external claim flow.
func (s *Server) postClaimRewards(c *gin.Context) {
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errs.New(errs.KindInvalidArgument, "%v", err))
		return
	}

	var amount float64
	var count int64
	err := s.db.Transaction(func(tx *gorm.DB) error {
		row := tx.Model(&models.Reward{}).
			Where("wallet = ? AND claimed = ?", req.Wallet, false).
			Select("COALESCE(SUM(amount), 0)").Row()
		if err := row.Scan(&amount); err != nil {
			return err
		}
		result := tx.Model(&models.Reward{}).
			Where("wallet = ? AND claimed = ?", req.Wallet, false).
			Update("claimed", true)
		count = result.RowsAffected
		return result.Error
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": req.Wallet, "claimed_rewards": count, "claimed_amount": amount})
}

func (s *Server) getLeaderboard(c *gin.Context) {
	type entry struct {
		Wallet       string  `json:"wallet"`
		TotalRewards float64 `json:"total_rewards"`
		NodeCount    int64   `json:"node_count"`
		TotalWork    float64 `json:"total_work"`
	}
	var leaderboard []entry
	err := s.db.Model(&models.Reward{}).
		Select("wallet, SUM(amount) AS total_rewards, COUNT(DISTINCT node_id) AS node_count, SUM(work_score) AS total_work").
		Group("wallet").
		Order("total_rewards DESC").
		Limit(50).
		Scan(&leaderboard).Error
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"leaderboard": leaderboard})
}

func (s *Server) getCurrentEpoch(c *gin.Context) {
	e, err := s.epochs.Current()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"epoch": e, "reward_pool": s.cfg.RewardPool})
}

func (s *Server) postCloseEpoch(c *gin.Context) {
	closed, err := s.epochs.CloseCurrent(time.Now())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"closed": closed})
}

type accountRequest struct {
	Wallet string `json:"wallet" binding:"required"`
}

func (s *Server) postCreditsAccount(c *gin.Context) {
	var req accountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errs.New(errs.KindInvalidArgument, "%v", err))
		return
	}
	account, err := s.ledger.EnsureAccount(req.Wallet)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.creditView(account))
}

type depositRequest struct {
	Wallet         string `json:"wallet" binding:"required"`
	AmountLamports int64  `json:"amountLamports" binding:"required"`
	TxSignature    string `json:"txSignature" binding:"required"`
}

func (s *Server) postCreditsDeposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errs.New(errs.KindInvalidArgument, "%v", err))
		return
	}
	deposit, applied, err := s.ledger.Deposit(req.Wallet, req.AmountLamports, req.TxSignature)
	if err != nil {
		writeError(c, err)
		return
	}
	account, err := s.ledger.Balance(deposit.Wallet)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"applied":   applied,
		"deposit":   deposit,
		"new_balance": account.BalanceLamports,
	})
}

func (s *Server) getCredits(c *gin.Context) {
	account, err := s.ledger.Balance(c.Param("wallet"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.creditView(account))
}

func (s *Server) creditView(account *models.UserCredit) gin.H {
	return gin.H{
		"wallet": account.Wallet,
		"balance": gin.H{
			"lamports": account.BalanceLamports,
			"queries":  account.BalanceLamports / s.cfg.QueryCostLamports,
		},
		"stats": gin.H{
			"total_deposited": account.TotalDeposited,
			"total_spent":     account.TotalSpent,
			"queries_made":    account.QueriesMade,
		},
		"api_key":    account.APIKey,
		"tier":       account.Tier,
		"rate_limit": account.RateLimit,
		"created_at": account.CreatedAt,
	}
}

func (s *Server) getCreditsUsage(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	usage, total, err := s.ledger.Usage(c.Param("wallet"), limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"usage": usage, "total": total, "limit": limit, "offset": offset})
}

func (s *Server) getCreditsStats(c *gin.Context) {
	stats, err := s.ledger.Stats()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"users": gin.H{"total": stats.TotalUsers, "active_24h": stats.ActiveUsers24h},
		"volume": gin.H{
			"total_deposited": stats.TotalDeposited,
			"total_spent":     stats.TotalSpent,
			"total_queries":   stats.TotalQueries,
		},
		"pricing": gin.H{
			"query_cost_lamports": s.cfg.QueryCostLamports,
			"free_tier_queries":   s.cfg.FreeTierQueries,
		},
	})
}

type queryRequest struct {
	Wallet         string          `json:"wallet"`
	APIKey         string          `json:"apiKey"`
	Method         string          `json:"method" binding:"required"`
	Params         json.RawMessage `json:"params"`
	ProviderWallet string          `json:"providerWallet"`
}

// postQuery is the billed RPC passthrough: rate-limit, debit, then hand the
// call to an idle browser node over the dispatch channel.
func (s *Server) postQuery(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errs.New(errs.KindInvalidArgument, "%v", err))
		return
	}

	account, err := s.ledger.Authorize(req.Wallet, req.APIKey)
	if err != nil {
		writeError(c, err)
		return
	}
	var remaining int64 = -1
	if account != nil { // nil means the ledger failed open
		debited, err := s.ledger.Debit(account.Wallet, 0, req.ProviderWallet, req.Method)
		if err != nil {
			writeError(c, err)
			return
		}
		remaining = debited.BalanceLamports
	}

	result, err := s.hub.Submit(c.Request.Context(), req.Method, req.Params)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"result":            result,
		"cost":              s.cfg.QueryCostLamports,
		"remaining_balance": remaining,
	})
}

func (s *Server) getStats(c *gin.Context) {
	e, err := s.epochs.Current()
	if err != nil {
		writeError(c, err)
		return
	}

	var totalNodes int64
	s.db.Model(&models.Node{}).Count(&totalNodes)

	activeServers, err := s.registry.ListActive(2 * s.cfg.ReportInterval)
	if err != nil {
		writeError(c, err)
		return
	}
	serverCount := 0
	for _, n := range activeServers {
		if n.NodeType == models.NodeTypeServer {
			serverCount++
		}
	}
	browserCount := s.hub.ConnectedCount()

	var totals struct {
		Requests   int64
		Hits       int64
		BytesSaved int64
	}
	s.db.Model(&models.Node{}).
		Select("COALESCE(SUM(total_requests), 0) AS requests, COALESCE(SUM(total_hits), 0) AS hits, COALESCE(SUM(total_bytes_saved), 0) AS bytes_saved").
		Scan(&totals)

	var lastHour struct {
		Requests   int64
		Hits       int64
		AvgHitRate float64
		AvgLatency float64
	}
	s.db.Model(&models.MetricsReport{}).
		Select("COALESCE(SUM(requests), 0) AS requests, COALESCE(SUM(hits), 0) AS hits, COALESCE(AVG(hit_rate), 0) AS avg_hit_rate, COALESCE(AVG(avg_cache_latency_ms), 0) AS avg_latency").
		Where("timestamp > ?", time.Now().UTC().Add(-time.Hour)).
		Scan(&lastHour)

	c.JSON(http.StatusOK, gin.H{
		"network": gin.H{
			"total_nodes":       totalNodes,
			"active_nodes":      serverCount + browserCount,
			"server_nodes":      serverCount,
			"browser_nodes":     browserCount,
			"total_requests":    totals.Requests,
			"total_hits":        totals.Hits,
			"total_bytes_saved": totals.BytesSaved,
		},
		"current_epoch": gin.H{
			"id":          e.ID,
			"start_time":  e.StartTime,
			"total_work":  e.TotalWork,
			"reward_pool": s.cfg.RewardPool,
		},
		"last_hour": gin.H{
			"requests":       lastHour.Requests,
			"hits":           lastHour.Hits,
			"avg_hit_rate":   lastHour.AvgHitRate,
			"avg_latency_ms": lastHour.AvgLatency,
		},
		"connections": s.hub.Snapshot(),
	})
}

func (s *Server) postBanNode(c *gin.Context) {
	if err := s.registry.MarkBanned(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"banned": c.Param("id")})
}

type rateLimitRequest struct {
	RateLimit int `json:"rateLimit" binding:"required"`
}

func (s *Server) postSetRateLimit(c *gin.Context) {
	var req rateLimitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errs.New(errs.KindInvalidArgument, "%v", err))
		return
	}
	account, err := s.ledger.SetRateLimit(c.Param("wallet"), req.RateLimit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": account.Wallet, "rate_limit": account.RateLimit})
}

func (s *Server) postSettle(c *gin.Context) {
	batch, err := s.settler.Settle(time.Now())
	if err != nil {
		writeError(c, err)
		return
	}
	if batch == nil {
		c.JSON(http.StatusOK, gin.H{"message": "no usage to settle"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"settlement": batch})
}

func (s *Server) getSettlements(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	rows, err := s.settler.List(limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settlements": rows})
}

type markSettledRequest struct {
	TxSignature string `json:"txSignature" binding:"required"`
}

func (s *Server) postMarkSettled(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		writeError(c, errs.New(errs.KindInvalidArgument, "invalid settlement id"))
		return
	}
	var req markSettledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errs.New(errs.KindInvalidArgument, "%v", err))
		return
	}
	if err := s.settler.MarkSettled(uint(id), req.TxSignature); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settled": id})
}
