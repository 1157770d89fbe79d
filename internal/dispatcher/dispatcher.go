// Package dispatcher provides at-least-once outbound delivery of
// queued commands, with bounded retry, expiry, and per-cycle deduplication.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fleetcam/devicegateway/internal/cmdqueue"
	"github.com/fleetcam/devicegateway/internal/devicestore"
	"github.com/fleetcam/devicegateway/internal/model"
	"github.com/fleetcam/devicegateway/internal/wake"
	"github.com/sirupsen/logrus"
)

// Config controls the dispatcher's poll loop timing.
type Config struct {
	PollInterval     time.Duration
	PendingBatchSize int
	RetryBatchSize   int
	RetryDelay       time.Duration
	MaxRetries       int
	ExpireAfter      time.Duration
}

// DefaultConfig returns the dispatcher's stock timing and batch limits.
func DefaultConfig() Config {
	return Config{
		PollInterval:     5 * time.Second,
		PendingBatchSize: 50,
		RetryBatchSize:   10,
		RetryDelay:       30 * time.Second,
		MaxRetries:       3,
		ExpireAfter:      24 * time.Hour,
	}
}

// Publisher is the narrow slice of *broker.Client the dispatcher needs,
// separated out so tests can substitute a fake.
type Publisher interface {
	PublishCommand(deviceMAC string, payload []byte) error
}

// Dispatcher drives the poll loop over the command queue.
type Dispatcher struct {
	cfg       Config
	queue     *cmdqueue.Queue
	devices   *devicestore.Store
	broker    Publisher
	scheduler *wake.Scheduler
	log       logrus.FieldLogger

	// Published from both the poll loop and the session engine's HELLO-time
	// drain, read by the health server.
	sentTotal   atomic.Int64
	failedTotal atomic.Int64
}

// New builds a Dispatcher over the given collaborators.
func New(cfg Config, queue *cmdqueue.Queue, devices *devicestore.Store, brokerClient Publisher, scheduler *wake.Scheduler, log logrus.FieldLogger) *Dispatcher {
	return &Dispatcher{cfg: cfg, queue: queue, devices: devices, broker: brokerClient, scheduler: scheduler, log: log}
}

// Run blocks, ticking the dispatch loop every PollInterval until ctx is
// cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick performs one dispatch cycle: process pending, retry failed, expire
// stale, in that order.
func (d *Dispatcher) Tick(ctx context.Context) {
	d.processPending(ctx)
	d.retryFailed(ctx)
	d.expireStale(ctx)
}

func (d *Dispatcher) deviceActive(ctx context.Context, deviceMAC string) bool {
	dev, err := d.devices.GetByMAC(ctx, deviceMAC)
	if err != nil {
		return false
	}
	return dev.ProvisioningState == model.ProvisioningActive
}

// processPending is the first dispatch step, including per-cycle capture_image
// deduplication.
func (d *Dispatcher) processPending(ctx context.Context) {
	pending, err := d.queue.SelectPending(ctx, d.cfg.PendingBatchSize)
	if err != nil {
		d.log.WithError(err).Error("failed to read pending commands")
		return
	}

	sentThisCycle := make(map[string]map[model.CommandType]bool)

	for _, cmd := range pending {
		if !d.deviceActive(ctx, cmd.DeviceMAC) {
			continue
		}

		if cmd.Type == model.CommandCaptureImage && sentThisCycle[cmd.DeviceMAC][model.CommandCaptureImage] {
			if err := d.queue.MarkSuperseded(ctx, cmd.CommandID); err != nil {
				d.log.WithError(err).WithField("command_id", cmd.CommandID).Warn("failed to mark duplicate capture_image superseded")
			}
			continue
		}

		d.publish(ctx, cmd)

		if cmd.Status == model.CommandSentStatus {
			if sentThisCycle[cmd.DeviceMAC] == nil {
				sentThisCycle[cmd.DeviceMAC] = make(map[model.CommandType]bool)
			}
			sentThisCycle[cmd.DeviceMAC][cmd.Type] = true
		}
	}
}

// publish builds the wire payload, publishes it, and transitions the
// command's status based on the outcome. cmd.Status is updated in place so
// the caller can observe whether the publish succeeded.
func (d *Dispatcher) publish(ctx context.Context, cmd *model.Command) {
	payload := buildPayload(cmd)
	encoded, err := json.Marshal(payload)
	if err != nil {
		d.log.WithError(err).WithField("command_id", cmd.CommandID).Error("failed to encode command payload")
		return
	}

	now := time.Now().UTC()
	if err := d.broker.PublishCommand(cmd.DeviceMAC, encoded); err != nil {
		d.log.WithError(err).WithFields(logrus.Fields{"command_id": cmd.CommandID, "device_mac": cmd.DeviceMAC}).Warn("command publish failed")
		if markErr := d.queue.MarkFailed(ctx, cmd.CommandID, now); markErr != nil {
			d.log.WithError(markErr).WithField("command_id", cmd.CommandID).Error("failed to mark command failed")
			return
		}
		d.failedTotal.Add(1)
		cmd.Status = model.CommandFailedStatus
		return
	}

	if err := d.queue.MarkSent(ctx, cmd.CommandID, now); err != nil {
		d.log.WithError(err).WithField("command_id", cmd.CommandID).Error("failed to mark command sent")
		return
	}
	d.sentTotal.Add(1)
	cmd.Status = model.CommandSentStatus
	cmd.DeliveredAt = &now
}

// retryFailed is the second dispatch step: reset failed commands whose
// fixed retry delay has elapsed (delivered_at older than RetryDelay) back
// to pending and republish them.
func (d *Dispatcher) retryFailed(ctx context.Context) {
	candidates, err := d.queue.SelectFailedForRetry(ctx, d.cfg.RetryBatchSize, d.cfg.MaxRetries, d.cfg.RetryDelay, time.Now().UTC())
	if err != nil {
		d.log.WithError(err).Error("failed to read retryable commands")
		return
	}

	for _, cmd := range candidates {
		if err := d.queue.ResetToPending(ctx, cmd.CommandID); err != nil {
			d.log.WithError(err).WithField("command_id", cmd.CommandID).Warn("failed to reset command to pending for retry")
			continue
		}
		cmd.Status = model.CommandPendingStatus
		d.publish(ctx, cmd)
	}
}

// expireStale is the third dispatch step.
func (d *Dispatcher) expireStale(ctx context.Context) {
	count, err := d.queue.ExpireStale(ctx, d.cfg.ExpireAfter, time.Now().UTC())
	if err != nil {
		d.log.WithError(err).Error("failed to expire stale commands")
		return
	}
	if count > 0 {
		d.log.WithField("count", count).Info("expired stale pending commands")
	}
}

// buildPayload constructs the device-specific wire payload for cmd.
func buildPayload(cmd *model.Command) map[string]any {
	switch cmd.Type {
	case model.CommandCaptureImage:
		return map[string]any{"device_id": cmd.DeviceID, "capture_image": true}
	case model.CommandSendImage:
		imageName, _ := cmd.Payload["image_name"].(string)
		return map[string]any{"device_id": cmd.DeviceID, "send_image": imageName}
	case model.CommandSetWakeSchedule:
		nextWake, _ := cmd.Payload["next_wake"].(string)
		return map[string]any{"device_id": cmd.DeviceID, "next_wake": nextWake}
	case model.CommandReboot:
		return map[string]any{"device_id": cmd.DeviceID, "reboot": true}
	case model.CommandUpdateFirmware:
		firmwareURL, _ := cmd.Payload["firmware_url"].(string)
		return map[string]any{"device_id": cmd.DeviceID, "firmware_url": firmwareURL}
	case model.CommandUpdateConfig:
		out := map[string]any{"device_id": cmd.DeviceID}
		for k, v := range cmd.Payload {
			out[k] = v
		}
		return out
	case model.CommandPing:
		return map[string]any{"device_id": cmd.DeviceID, "ping": true, "timestamp": time.Now().UTC().Format(time.RFC3339)}
	default:
		return map[string]any{"device_id": cmd.DeviceID}
	}
}

// SendPendingForDevice immediately drains one device's pending queue,
// applying the same per-cycle capture_image dedup as the poll loop, for the
// session engine's HELLO-time command drain. It returns which command
// types were actually published.
func (d *Dispatcher) SendPendingForDevice(ctx context.Context, deviceMAC string, limit int) (map[model.CommandType]bool, error) {
	if !d.deviceActive(ctx, deviceMAC) {
		return nil, nil
	}
	cmds, err := d.queue.SelectPendingForDevice(ctx, deviceMAC, limit)
	if err != nil {
		return nil, fmt.Errorf("select pending commands for %s: %w", deviceMAC, err)
	}

	sent := make(map[model.CommandType]bool)
	for _, cmd := range cmds {
		if cmd.Type == model.CommandCaptureImage && sent[model.CommandCaptureImage] {
			if err := d.queue.MarkSuperseded(ctx, cmd.CommandID); err != nil {
				d.log.WithError(err).WithField("command_id", cmd.CommandID).Warn("failed to mark duplicate capture_image superseded")
			}
			continue
		}
		d.publish(ctx, cmd)
		if cmd.Status == model.CommandSentStatus {
			sent[cmd.Type] = true
		}
	}
	return sent, nil
}

// SupersedePendingCaptureImage retires any still-queued capture_image
// commands for a device, used when the session engine is about to publish
// a fresh capture_image directly.
func (d *Dispatcher) SupersedePendingCaptureImage(ctx context.Context, deviceMAC string) error {
	_, err := d.queue.SupersedePendingByType(ctx, deviceMAC, model.CommandCaptureImage)
	return err
}

// Enqueue queues a new command for later delivery by the poll loop.
func (d *Dispatcher) Enqueue(ctx context.Context, deviceID, deviceMAC string, cmdType model.CommandType, payload map[string]any) (string, error) {
	return d.queue.Enqueue(ctx, deviceID, deviceMAC, cmdType, payload, time.Now().UTC())
}

// EnqueueWelcomeCommand implements the welcome-command path: on a
// device's provisioning_status transitioning to active, compute its first
// next-wake time from the site cron and enqueue a set_wake_schedule command.
func (d *Dispatcher) EnqueueWelcomeCommand(ctx context.Context, deviceID, deviceMAC, siteCron string) (string, error) {
	wakeTime := d.scheduler.FirstWelcomeWake(ctx, siteCron, time.Now().UTC())
	return d.Enqueue(ctx, deviceID, deviceMAC, model.CommandSetWakeSchedule, map[string]any{"next_wake": wakeTime.Rendered})
}

// AcknowledgeMostRecent correlates an inbound non-terminal ACK with the most
// recently sent command for deviceMAC and marks it acknowledged. It is a no-op if no sent command is found.
func (d *Dispatcher) AcknowledgeMostRecent(ctx context.Context, deviceMAC string) error {
	cmd, err := d.queue.MostRecentSent(ctx, deviceMAC)
	if err != nil {
		return fmt.Errorf("find most recent sent command for %s: %w", deviceMAC, err)
	}
	if cmd == nil {
		return nil
	}
	return d.queue.MarkAcknowledged(ctx, cmd.CommandID, time.Now().UTC())
}

// Counters exposes dispatcher totals for the health endpoint.
type Counters struct {
	SentTotal   int64
	FailedTotal int64
}

// Counters returns the dispatcher's lifetime sent/failed publish counts.
func (d *Dispatcher) Counters() Counters {
	return Counters{SentTotal: d.sentTotal.Load(), FailedTotal: d.failedTotal.Load()}
}
