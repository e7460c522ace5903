// Package lifecycle advertises the container and the state of its action
// in a shared redis hash, so an orchestrator can see which containers are
// initialized and busy.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/whookdev/actionproxy/internal/config"
)

// RegistryKey is the redis hash holding one entry per container.
const RegistryKey = "action_containers"

// hashStore is the part of *redis.Client the registration needs.
type hashStore interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
}

type Lifecycle struct {
	cfg    *config.Config
	logger *slog.Logger
	rdb    hashStore
	status func() string
}

type ContainerInfo struct {
	Status          string    `json:"status"`
	APIHost         string    `json:"api_host,omitempty"`
	AllowConcurrent bool      `json:"allow_concurrent"`
	LastHeartbeat   time.Time `json:"last_heartbeat"`
}

func New(cfg *config.Config, rdb hashStore, status func() string, logger *slog.Logger) (*Lifecycle, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if rdb == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if status == nil {
		return nil, fmt.Errorf("status function cannot be nil")
	}
	if cfg.HealthCheckInterval <= 0 {
		return nil, fmt.Errorf("invalid health check interval: %d", cfg.HealthCheckInterval)
	}

	logger = logger.With("component", "lifecycle")

	lc := &Lifecycle{
		cfg:    cfg,
		rdb:    rdb,
		status: status,
		logger: logger,
	}

	return lc, nil
}

// Run registers the container, refreshes the registration every health
// check interval and removes it once ctx is cancelled.
func (lc *Lifecycle) Run(ctx context.Context) error {
	if err := lc.publish(ctx); err != nil {
		return fmt.Errorf("failed to register container: %w", err)
	}
	lc.logger.Info("registered container", "server_id", lc.cfg.ServerID)

	ticker := time.NewTicker(time.Duration(lc.cfg.HealthCheckInterval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := lc.publish(ctx); err != nil {
				lc.logger.Error("failed heartbeat", "error", err)
			}
		case <-ctx.Done():
			if err := lc.deregister(); err != nil {
				lc.logger.Error("failed to de-register container", "error", err)
			} else {
				lc.logger.Info("de-registered container")
			}
			return nil
		}
	}
}

func (lc *Lifecycle) publish(ctx context.Context) error {
	info := &ContainerInfo{
		Status:          lc.status(),
		APIHost:         lc.cfg.APIHost,
		AllowConcurrent: lc.cfg.AllowConcurrent,
		LastHeartbeat:   time.Now().UTC(),
	}

	val, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal container info: %w", err)
	}

	if err := lc.rdb.HSet(ctx, RegistryKey, lc.cfg.ServerID, string(val)).Err(); err != nil {
		return fmt.Errorf("failed to update registration: %w", err)
	}

	lc.logger.Debug("heartbeat update", "server_id", lc.cfg.ServerID, "status", info.Status)
	return nil
}

// deregister runs after ctx is cancelled, so it uses its own short deadline.
func (lc *Lifecycle) deregister() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := lc.rdb.HDel(ctx, RegistryKey, lc.cfg.ServerID).Err(); err != nil {
		return fmt.Errorf("failed to de-register container: %w", err)
	}
	return nil
}
