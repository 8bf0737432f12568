package registry

import (
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/whistle-net/coordinator/internal/errs"
	"github.com/whistle-net/coordinator/internal/models"
)

// Registry is the single writer of node rows. Every other component reads
// node state through it.
type Registry struct {
	db  *gorm.DB
	log *logrus.Logger
}

func New(db *gorm.DB, log *logrus.Logger) *Registry {
	return &Registry{db: db, log: log}
}

// Register upserts a node. An existing node keeps its cumulative counters
// and first_seen; endpoint, name and wallet are refreshed. Re-registering a
// banned node is rejected.
func (r *Registry) Register(id, wallet, name, endpoint string, nodeType models.NodeType) (*models.Node, error) {
	if id == "" || wallet == "" {
		return nil, errs.New(errs.KindInvalidArgument, "node id and wallet are required")
	}
	if endpoint != "" {
		if err := validateEndpoint(endpoint); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	var node models.Node
	err := r.db.Transaction(func(tx *gorm.DB) error {
		result := tx.First(&node, "id = ?", id)
		if result.Error != nil {
			if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return result.Error
			}
			node = models.Node{
				ID:        id,
				Wallet:    wallet,
				Name:      name,
				Endpoint:  endpoint,
				NodeType:  nodeType,
				Tier:      models.TierFor(nodeType),
				FirstSeen: now,
				LastSeen:  now,
				Status:    models.NodeStatusActive,
			}
			return tx.Create(&node).Error
		}

		if node.Status == models.NodeStatusBanned {
			return errs.New(errs.KindNodeBanned, "node %s is banned", id)
		}
		node.Wallet = wallet
		node.Name = name
		if endpoint != "" {
			node.Endpoint = endpoint
		}
		node.LastSeen = now
		node.Status = models.NodeStatusActive
		return tx.Save(&node).Error
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

// Touch updates last_seen only (heartbeat).
func (r *Registry) Touch(id string) error {
	result := r.db.Model(&models.Node{}).Where("id = ?", id).
		Update("last_seen", time.Now().UTC())
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errs.New(errs.KindNodeNotFound, "node %s not registered", id)
	}
	return nil
}

func (r *Registry) MarkStale(id string) error {
	return r.setStatus(id, models.NodeStatusStale)
}

// MarkBanned excludes a node from reward computation and dispatch but keeps
// its history.
func (r *Registry) MarkBanned(id string) error {
	return r.setStatus(id, models.NodeStatusBanned)
}

func (r *Registry) setStatus(id string, status models.NodeStatus) error {
	result := r.db.Model(&models.Node{}).Where("id = ?", id).Update("status", status)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errs.New(errs.KindNodeNotFound, "node %s not registered", id)
	}
	r.log.WithFields(logrus.Fields{"node": id, "status": status}).Info("node status changed")
	return nil
}

func (r *Registry) Get(id string) (*models.Node, error) {
	var node models.Node
	if err := r.db.First(&node, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.New(errs.KindNodeNotFound, "node %s not registered", id)
		}
		return nil, err
	}
	return &node, nil
}

func (r *Registry) ListByType(nodeType models.NodeType) ([]models.Node, error) {
	var nodes []models.Node
	err := r.db.Where("node_type = ? AND status = ?", nodeType, models.NodeStatusActive).
		Order("total_hits DESC").Find(&nodes).Error
	return nodes, err
}

// ListActive returns active nodes seen within the given window.
func (r *Registry) ListActive(since time.Duration) ([]models.Node, error) {
	var nodes []models.Node
	cutoff := time.Now().UTC().Add(-since)
	err := r.db.Where("status = ? AND last_seen > ?", models.NodeStatusActive, cutoff).
		Order("last_seen DESC").Find(&nodes).Error
	return nodes, err
}

func (r *Registry) List() ([]models.Node, error) {
	var nodes []models.Node
	err := r.db.Where("status <> ?", models.NodeStatusBanned).
		Order("last_seen DESC").Find(&nodes).Error
	return nodes, err
}

// SweepStale transitions active nodes that have not been seen within the
// window to stale. Run periodically; ingestion itself never marks nodes
// stale so "no traffic" is not conflated with "node down".
func (r *Registry) SweepStale(window time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-window)
	result := r.db.Model(&models.Node{}).
		Where("status = ? AND last_seen < ?", models.NodeStatusActive, cutoff).
		Update("status", models.NodeStatusStale)
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		r.log.WithField("count", result.RowsAffected).Info("marked nodes stale")
	}
	return result.RowsAffected, nil
}

func validateEndpoint(endpoint string) error {
	if len(endpoint) < 10 || len(endpoint) > 256 {
		return errs.New(errs.KindInvalidArgument, "endpoint must be 10-256 characters")
	}
	for _, prefix := range []string{"http://", "https://", "ws://", "wss://"} {
		if strings.HasPrefix(endpoint, prefix) {
			return nil
		}
	}
	return errs.New(errs.KindInvalidArgument, "endpoint must start with http://, https://, ws://, or wss://")
}
