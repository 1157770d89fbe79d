// Package devicecontext provides device identifier normalization,
// lineage caching, timestamp parsing, firmware metadata normalization, and
// audit logging. It is the sole place that tolerates firmware field-name
// variants; downstream code only ever sees the canonical shape.
package devicecontext

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fleetcam/devicegateway/internal/macutil"
	"github.com/fleetcam/devicegateway/internal/model"
	"github.com/fleetcam/devicegateway/internal/rpcclient"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// lineageCacheTTL is how long a resolved lineage stays cached.
const lineageCacheTTL = 5 * time.Minute

// Resolver bundles the normalization, lineage caching, and audit
// logging operations.
type Resolver struct {
	rpc   rpcclient.Client
	cache *redis.Client
	log   logrus.FieldLogger
}

// New builds a Resolver. cache may be nil, in which case lineage resolution
// always calls through to the RPC (useful for tests and for a degraded mode
// where Redis is unavailable).
func New(rpc rpcclient.Client, cache *redis.Client, log logrus.FieldLogger) *Resolver {
	return &Resolver{rpc: rpc, cache: cache, log: log}
}

// NormalizeMAC implements normalize_mac.
func (r *Resolver) NormalizeMAC(raw string) (string, bool) {
	return macutil.Normalize(raw)
}

func lineageCacheKey(mac string) string {
	return "gateway:lineage:" + mac
}

// ResolveLineage implements resolve_lineage: calls the database resolver
// RPC, caching the result for 5 minutes. A cache hit skips the RPC entirely.
func (r *Resolver) ResolveLineage(ctx context.Context, mac string) (*model.DeviceLineage, error) {
	if r.cache != nil {
		if cached, err := r.cache.Get(ctx, lineageCacheKey(mac)).Bytes(); err == nil {
			var lineage model.DeviceLineage
			if jsonErr := json.Unmarshal(cached, &lineage); jsonErr == nil {
				return &lineage, nil
			}
		}
	}

	result, err := r.rpc.ResolveDeviceLineage(ctx, mac)
	if err != nil {
		return nil, fmt.Errorf("resolve lineage for %s: %w", mac, err)
	}
	if result.Error != "" || result.DeviceID == "" {
		return nil, nil
	}

	lineage := &model.DeviceLineage{
		DeviceID:  result.DeviceID,
		CompanyID: result.CompanyID,
		ProgramID: result.ProgramID,
		SiteID:    result.SiteID,
	}

	if r.cache != nil {
		if encoded, err := json.Marshal(lineage); err == nil {
			if err := r.cache.Set(ctx, lineageCacheKey(mac), encoded, lineageCacheTTL).Err(); err != nil {
				r.log.WithError(err).WithField("mac", mac).Debug("failed to cache device lineage")
			}
		}
	}

	return lineage, nil
}

// InvalidateLineage drops a cached lineage entry, either by explicit request
// or because the device's provisioning status just transitioned to active.
func (r *Resolver) InvalidateLineage(ctx context.Context, mac string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Del(ctx, lineageCacheKey(mac)).Err(); err != nil {
		r.log.WithError(err).WithField("mac", mac).Debug("failed to invalidate cached lineage")
	}
}

// activeSessionStatuses are the SessionStatus values find_active_session
// treats as "current".
var activeSessionStatuses = map[string]bool{"pending": true, "in_progress": true}

// FindActiveSession implements find_active_session: returns the current-day
// session id for a site if one exists in an active status.
func (r *Resolver) FindActiveSession(ctx context.Context, siteID string, lookup func(ctx context.Context, siteID string) (sessionID, status string, ok bool, err error)) (string, bool, error) {
	if siteID == "" {
		return "", false, nil
	}
	sessionID, status, ok, err := lookup(ctx, siteID)
	if err != nil {
		return "", false, fmt.Errorf("find active session for site %s: %w", siteID, err)
	}
	if !ok || !activeSessionStatuses[status] {
		return "", false, nil
	}
	return sessionID, true, nil
}

// LogMessage implements log_message: a fire-and-forget audit row. Failures
// are logged but never block the data path.
func (r *Resolver) LogMessage(ctx context.Context, mac, direction, topic string, payload []byte, kind string) {
	r.rpc.LogMQTTMessage(ctx, mac, direction, topic, payload, kind)
}

// LogAck implements log_ack.
func (r *Resolver) LogAck(ctx context.Context, mac, imageName, ackType, topic string, payload []byte, success bool, errText string) {
	r.rpc.LogDeviceAck(ctx, mac, imageName, ackType, topic, payload, success, errText)
}
