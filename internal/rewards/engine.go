// Package rewards computes per-node reward amounts for a closed epoch
// window. The computation is a pure function of its inputs so the epoch
// manager can run it inside a transaction and tests can probe it directly.
package rewards

import (
	"github.com/whistle-net/coordinator/internal/config"
	"github.com/whistle-net/coordinator/internal/models"
)

type Config struct {
	Pool            float64
	RequestsWeight  float64
	BytesWeight     float64
	TierMultipliers map[models.NodeType]float64
	// Bands must be sorted by threshold descending; the first band the
	// node's uptime percentage reaches wins.
	UptimeBands []config.UptimeBand
}

// NodeWork is one eligible node's activity summed over the epoch window.
// Requests and BytesSaved come from summing interval reports inside the
// window, never from diffing cumulative node counters, so counter resets
// and epoch boundaries cannot double-count.
type NodeWork struct {
	NodeID        string
	Wallet        string
	NodeType      models.NodeType
	Requests      int64
	BytesSaved    int64
	UptimeSamples int64
	OnlineSamples int64
}

type NodeReward struct {
	NodeID         string
	Wallet         string
	NodeType       models.NodeType
	WorkScore      float64
	TierMultiplier float64
	UptimeBonus    float64
	Amount         float64
}

type Result struct {
	TotalWork    float64
	TotalRewards float64
	Rewards      []NodeReward
}

// Compute scores every node, applies tier and uptime multipliers, and
// renormalizes so the pool is redistributed rather than inflated: each
// node's raw amount is divided by the sum of raw amounts and multiplied by
// the pool, so the final amounts always sum to exactly the pool (or zero
// when no node did any work).
func Compute(cfg Config, nodes []NodeWork) Result {
	res := Result{Rewards: make([]NodeReward, 0, len(nodes))}

	raw := make([]float64, len(nodes))
	var rawSum float64
	for i, n := range nodes {
		work := cfg.RequestsWeight*float64(n.Requests) + cfg.BytesWeight*float64(n.BytesSaved)
		tier := cfg.TierMultipliers[n.NodeType]
		if tier == 0 {
			tier = 1.0
		}
		bonus := uptimeBonus(cfg.UptimeBands, n.UptimeSamples, n.OnlineSamples)

		res.TotalWork += work
		raw[i] = work * tier * bonus
		rawSum += raw[i]

		res.Rewards = append(res.Rewards, NodeReward{
			NodeID:         n.NodeID,
			Wallet:         n.Wallet,
			NodeType:       n.NodeType,
			WorkScore:      work,
			TierMultiplier: tier,
			UptimeBonus:    bonus,
		})
	}

	if rawSum <= 0 {
		return res
	}
	for i := range res.Rewards {
		res.Rewards[i].Amount = raw[i] / rawSum * cfg.Pool
		res.TotalRewards += res.Rewards[i].Amount
	}
	return res
}

// uptimeBonus returns the highest band the uptime ratio qualifies for.
// Thresholds are inclusive: exactly 99.0% earns the 99% band.
func uptimeBonus(bands []config.UptimeBand, samples, online int64) float64 {
	if samples == 0 {
		return 1.0
	}
	percent := float64(online) / float64(samples) * 100
	for _, band := range bands {
		if percent >= band.Threshold {
			return band.Bonus
		}
	}
	return 1.0
}
