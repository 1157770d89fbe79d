// Package sessionengine is the per-device conversation state
// machine driving one wake cycle from HELLO through chunk reassembly to a
// terminal acknowledgment.
package sessionengine

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fleetcam/devicegateway/internal/chunkstore"
	"github.com/fleetcam/devicegateway/internal/devicecontext"
	"github.com/fleetcam/devicegateway/internal/devicelock"
	"github.com/fleetcam/devicegateway/internal/devicestore"
	"github.com/fleetcam/devicegateway/internal/dispatcher"
	"github.com/fleetcam/devicegateway/internal/finalizer"
	"github.com/fleetcam/devicegateway/internal/macutil"
	"github.com/fleetcam/devicegateway/internal/model"
	"github.com/fleetcam/devicegateway/internal/perfstats"
	"github.com/fleetcam/devicegateway/internal/rpcclient"
	"github.com/fleetcam/devicegateway/internal/sessionstore"
	"github.com/sirupsen/logrus"
)

// captureDebounce is the minimum gap between two capture_image publishes to
// the same device.
const captureDebounce = 30 * time.Second

// missingChunkTimerDelay is the inactivity window after the last chunk
// before the engine checks for gaps.
const missingChunkTimerDelay = 15 * time.Second

// sessionIdleTimeout is how long a session may sit without any inbound
// message before the sweeper reaps it.
const sessionIdleTimeout = 10 * time.Minute

// completedSuppressionWindow is how long stray chunks for a just-finalized
// image are silently dropped.
const completedSuppressionWindow = 5 * time.Minute

// pendingCommandLimit bounds the HELLO-time immediate drain.
const pendingCommandLimit = 50

var jpegMagic = []byte{0xFF, 0xD8, 0xFF}

// Broker is the slice of *broker.Client the engine needs to publish on
// both outbound topics.
type Broker interface {
	PublishCommand(deviceMAC string, payload []byte) error
	PublishAck(deviceMAC string, payload []byte) error
	AckTopic(deviceMAC string) string
}

// InboundMessage mirrors broker.InboundMessage, decoupling this package
// from the broker's MQTT dependency.
type InboundMessage struct {
	DeviceMAC string
	Kind      MessageKind
	Topic     string
	Payload   []byte
}

// MessageKind mirrors broker.MessageKind.
type MessageKind string

const (
	KindStatus MessageKind = "status"
	KindData   MessageKind = "data"
	KindAck    MessageKind = "ack"
)

// Engine drives the per-device state machine.
type Engine struct {
	devices    *devicestore.Store
	sessions   *sessionstore.Store
	chunks     *chunkstore.Store
	resolver   *devicecontext.Resolver
	dispatcher *dispatcher.Dispatcher
	finalizer  *finalizer.Finalizer
	broker     Broker
	rpc        rpcclient.Client
	locks      *devicelock.Registry
	log        logrus.FieldLogger
}

// New builds an Engine over its collaborators.
func New(
	devices *devicestore.Store,
	sessions *sessionstore.Store,
	chunks *chunkstore.Store,
	resolver *devicecontext.Resolver,
	dispatch *dispatcher.Dispatcher,
	finalize *finalizer.Finalizer,
	brokerClient Broker,
	rpc rpcclient.Client,
	locks *devicelock.Registry,
	log logrus.FieldLogger,
) *Engine {
	return &Engine{
		devices:    devices,
		sessions:   sessions,
		chunks:     chunks,
		resolver:   resolver,
		dispatcher: dispatch,
		finalizer:  finalize,
		broker:     brokerClient,
		rpc:        rpc,
		locks:      locks,
		log:        log,
	}
}

// HandleMessage is the single entry point for every inbound broker message.
// It normalizes the device MAC, serializes processing per device, and
// routes by message kind.
func (e *Engine) HandleMessage(ctx context.Context, msg InboundMessage) error {
	mac, ok := macutil.Normalize(msg.DeviceMAC)
	if !ok {
		e.log.WithField("raw_mac", msg.DeviceMAC).Warn("dropping message with unparseable device identifier")
		return nil
	}

	// Fire-and-forget audit row; must never block the data path.
	go e.resolver.LogMessage(context.Background(), mac, "inbound", msg.Topic, msg.Payload, string(msg.Kind))

	return e.locks.WithDevice(ctx, mac, "handle_"+string(msg.Kind), func(ctx context.Context) error {
		var payload map[string]any
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			e.log.WithError(err).WithField("device_mac", mac).Warn("dropping malformed message")
			return nil
		}

		switch msg.Kind {
		case KindStatus:
			return e.handleHello(ctx, mac, payload)
		case KindData:
			if _, hasChunkID := payload["chunk_id"]; hasChunkID {
				return e.handleChunk(ctx, mac, payload)
			}
			return e.handleMetadata(ctx, mac, payload)
		case KindAck:
			return e.handleAck(ctx, mac, payload)
		default:
			return nil
		}
	})
}

func (e *Engine) handleHello(ctx context.Context, mac string, payload map[string]any) error {
	now := time.Now().UTC()
	logger := e.log.WithField("device_mac", mac)

	_, err := e.devices.AutoProvision(ctx, mac, devicestore.DefaultHardwareFamily, now)
	if err != nil {
		logger.WithError(err).Error("auto-provision failed, dropping HELLO")
		return nil
	}
	if err := e.devices.TouchLastSeen(ctx, mac, now); err != nil {
		logger.WithError(err).Warn("failed to update last_seen_at")
	}

	deviceID := firstString(payload, "device_id", "device_mac")
	pendingImg := firstInt(payload, "pendingImg", "pending_count")

	sent, err := e.dispatcher.SendPendingForDevice(ctx, mac, pendingCommandLimit)
	if err != nil {
		logger.WithError(err).Warn("failed to drain pending commands on HELLO")
	}

	if names := stringList(payload["pending_list"]); len(names) > 0 {
		e.reconcilePendingImages(ctx, mac, names, logger)
	}

	session, err := e.sessions.GetSession(mac)
	if err != nil {
		return fmt.Errorf("get session for %s: %w", mac, err)
	}
	if session == nil {
		session = &model.Session{DeviceMAC: mac, StartedAt: now}
	}
	session.DeviceID = deviceID
	session.LastActivityAt = now
	session.State = model.SessionHelloReceived

	switch {
	case pendingImg > 0:
		session.State = model.SessionDrainingPending
		session.InitialPendingCount = pendingImg
		session.PendingDrained = 0
		if err := e.publishCommand(mac, map[string]any{"send_all_pending": true}); err != nil {
			logger.WithError(err).Warn("failed to publish send_all_pending")
		}
	case sent[model.CommandCaptureImage]:
		// The dispatcher already sent a capture_image this cycle; nothing
		// more to do.
	case !session.LastCaptureSentAt.IsZero() && now.Sub(session.LastCaptureSentAt) < captureDebounce:
		// Debounced: a capture_image was just sent.
	default:
		session.State = model.SessionCaptureSent
		if err := e.dispatcher.SupersedePendingCaptureImage(ctx, mac); err != nil {
			logger.WithError(err).Warn("failed to supersede queued capture_image commands")
		}
		if err := e.publishCommand(mac, map[string]any{"device_id": deviceID, "capture_image": true}); err != nil {
			logger.WithError(err).Warn("failed to publish capture_image")
		}
		session.LastCaptureSentAt = now
	}

	return e.sessions.PutSession(session)
}

// reconcilePendingImages upserts an image record for each name the device
// reports as still held on local storage: a row the database believes is
// complete gets reset to pending (and its chunk namespace cleared) so
// re-reception starts clean, and unknown names get a fresh pending row.
func (e *Engine) reconcilePendingImages(ctx context.Context, mac string, names []string, logger logrus.FieldLogger) {
	lineage, err := e.resolver.ResolveLineage(ctx, mac)
	if err != nil {
		logger.WithError(err).Warn("lineage resolution failed, skipping pending_list reconciliation")
		return
	}
	if lineage == nil || lineage.DeviceID == "" {
		logger.Debug("no resolved device, skipping pending_list reconciliation")
		return
	}

	for _, name := range names {
		imageID, status, err := e.rpc.LookupImageRecord(ctx, lineage.DeviceID, name)
		if err != nil {
			logger.WithError(err).WithField("image_name", name).Warn("pending image lookup failed")
			continue
		}
		if imageID == "" {
			if _, err := e.rpc.InsertImageRecordDirect(ctx, rpcclient.ImageRecordInsert{
				DeviceID:  lineage.DeviceID,
				ImageName: name,
				Status:    string(model.ImagePending),
			}); err != nil {
				logger.WithError(err).WithField("image_name", name).Warn("failed to create pending image record")
			}
			continue
		}
		if status != string(model.ImageComplete) {
			continue
		}
		// The device still holds an image the database believes is done;
		// reset the record for re-reception.
		zero := 0
		if err := e.rpc.UpdateImageRecordDirect(ctx, imageID, rpcclient.ImageRecordUpdate{
			Status:         string(model.ImagePending),
			ReceivedChunks: &zero,
		}); err != nil {
			logger.WithError(err).WithField("image_name", name).Warn("failed to reset completed image record to pending")
			continue
		}
		if err := e.chunks.Clear(ctx, mac, name); err != nil {
			logger.WithError(err).WithField("image_name", name).Warn("failed to clear chunk namespace for re-reception")
		}
	}
}

func (e *Engine) handleMetadata(ctx context.Context, mac string, payload map[string]any) error {
	logger := e.log.WithField("device_mac", mac)
	now := time.Now().UTC()

	norm := devicecontext.NormalizeMetadata(devicecontext.RawMetadata(payload))
	if norm.ImageName == "" {
		logger.Warn("dropping metadata message with no image_name")
		return nil
	}

	parsedTS := devicecontext.ParseDeviceTimestamp(norm.CapturedAtRaw, now)

	existing, err := e.sessions.GetAssembly(mac, norm.ImageName)
	if err != nil {
		return fmt.Errorf("get assembly for %s/%s: %w", mac, norm.ImageName, err)
	}
	if existing != nil && existing.Metadata.TotalChunks == norm.TotalChunks && existing.Metadata.CapturedAtRaw == norm.CapturedAtRaw {
		logger.WithField("image_name", norm.ImageName).Debug("ignoring duplicate metadata")
		e.rpc.LogDuplicateImage(ctx, mac, norm.ImageName)
		return nil
	}
	if existing != nil {
		if err := e.chunks.Clear(ctx, mac, norm.ImageName); err != nil {
			logger.WithError(err).Warn("failed to clear stale chunk namespace before re-reception")
		}
	}

	lineage, err := e.resolver.ResolveLineage(ctx, mac)
	if err != nil {
		logger.WithError(err).Warn("lineage resolution failed, proceeding without it")
	}
	deviceID := firstString(payload, "device_id")
	if lineage != nil && lineage.DeviceID != "" {
		deviceID = lineage.DeviceID
	}

	telemetry := rpcclient.TelemetryInput{
		TemperatureF:   devicecontext.CelsiusToFahrenheit(norm.Temperature, e.log),
		Humidity:       norm.Humidity,
		Pressure:       norm.Pressure,
		GasResistance:  norm.GasResistance,
		BatteryVoltage: norm.BatteryVoltage,
		Location:       norm.Location,
	}

	existingImageID := ""
	if existing != nil {
		existingImageID = existing.ImageID
	}

	imageID := existingImageID
	wakeSessionID := ""
	if existing != nil {
		wakeSessionID = existing.SessionID
	}
	wakeResult, err := e.rpc.WakeIngestion(ctx, deviceID, norm.ImageName, parsedTS.Time, telemetry, existingImageID)
	if err != nil {
		logger.WithError(err).Warn("wake-ingestion RPC failed, proceeding without an image_id")
	} else if wakeResult.Success {
		imageID = wakeResult.ImageID
		wakeSessionID = wakeResult.SessionID
	}

	assembly := &model.ImageAssembly{
		DeviceMAC: mac,
		ImageName: norm.ImageName,
		Metadata: model.ImageMetadata{
			TotalChunks:     norm.TotalChunks,
			ExpectedSize:    norm.ImageSize,
			MaxChunkSize:    norm.MaxChunkSize,
			CapturedAt:      parsedTS.Time,
			CapturedAtRaw:   norm.CapturedAtRaw,
			TimestampSource: parsedTS.Source,
			Temperature:     norm.Temperature,
			Humidity:        norm.Humidity,
			Pressure:        norm.Pressure,
			GasResistance:   norm.GasResistance,
			BatteryVoltage:  norm.BatteryVoltage,
			Location:        norm.Location,
		},
		ImageID:   imageID,
		SessionID: wakeSessionID,
		CreatedAt: now,
	}
	if err := e.sessions.PutAssembly(assembly); err != nil {
		return fmt.Errorf("put assembly for %s/%s: %w", mac, norm.ImageName, err)
	}

	session, err := e.sessions.GetSession(mac)
	if err != nil {
		return fmt.Errorf("get session for %s: %w", mac, err)
	}
	if session != nil {
		session.CurrentImageName = norm.ImageName
		session.LastActivityAt = now
		if session.State != model.SessionDrainingPending {
			session.State = model.SessionImageInFlight
		}
		if err := e.sessions.PutSession(session); err != nil {
			logger.WithError(err).Warn("failed to update session after metadata")
		}
	}

	if norm.TotalChunks > 0 {
		count, err := e.chunks.CountReceived(ctx, mac, norm.ImageName)
		if err != nil {
			return fmt.Errorf("count received chunks for %s/%s: %w", mac, norm.ImageName, err)
		}
		if count >= norm.TotalChunks {
			return e.runFinalize(ctx, mac, norm.ImageName)
		}
	}

	if session != nil && session.State == model.SessionDrainingPending {
		if err := e.publishCommand(mac, map[string]any{"send_image": norm.ImageName}); err != nil {
			logger.WithError(err).Warn("failed to publish send_image")
		}
	}
	return nil
}

func (e *Engine) handleChunk(ctx context.Context, mac string, payload map[string]any) error {
	logger := e.log.WithField("device_mac", mac)
	imageName := asString(payload["image_name"])
	if imageName == "" {
		logger.Warn("dropping chunk with no image_name")
		return nil
	}
	key := model.AssemblyKey{DeviceMAC: mac, ImageName: imageName}

	if e.sessions.IsSuppressed(key, completedSuppressionWindow, time.Now().UTC()) {
		return nil
	}

	idx := asInt(payload["chunk_id"])
	encoded, _ := payload["payload"].(string)
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(decoded) == 0 {
		logger.WithField("image_name", imageName).Warn("chunk decode failure or empty payload, requesting retransmit")
		_ = e.publishCommand(mac, map[string]any{"device_id": payload["device_id"], "image_name": imageName, "missing_chunks": []int{idx}})
		return nil
	}

	if idx == 0 && !bytes.HasPrefix(decoded, jpegMagic) {
		logger.WithField("image_name", imageName).Warn("chunk 0 missing JPEG magic bytes")
	}

	storeTimer := perfstats.Start("chunk_store", e.log)
	result, err := e.chunks.Store(ctx, mac, imageName, idx, decoded)
	storeDuration := storeTimer.Stop()
	if m := perfstats.MetricsFromContext(ctx); m != nil {
		m.RecordChunkStore(storeDuration)
	}
	if err != nil {
		return fmt.Errorf("store chunk %s/%s[%d]: %w", mac, imageName, idx, err)
	}
	if result == chunkstore.Duplicate {
		return nil
	}

	assembly, err := e.sessions.GetAssembly(mac, imageName)
	if err != nil {
		return fmt.Errorf("get assembly for %s/%s: %w", mac, imageName, err)
	}
	if assembly == nil {
		// Chunks arrived before metadata; buffer and wait.
		return nil
	}

	count, err := e.chunks.CountReceived(ctx, mac, imageName)
	if err != nil {
		return fmt.Errorf("count received chunks for %s/%s: %w", mac, imageName, err)
	}

	if assembly.Metadata.TotalChunks > 0 && count >= assembly.Metadata.TotalChunks {
		e.sessions.CancelMissingChunkTimer(key)
		return e.runFinalize(ctx, mac, imageName)
	}

	e.sessions.ArmMissingChunkTimer(key, missingChunkTimerDelay, func() {
		e.onMissingChunkTimer(mac, imageName)
	})
	return nil
}

// onMissingChunkTimer fires 15s after the last chunk for an image; it runs
// outside the normal per-message dispatch path so it re-acquires the
// device's lock itself.
func (e *Engine) onMissingChunkTimer(mac, imageName string) {
	ctx := context.Background()
	err := e.locks.WithDevice(ctx, mac, "missing_chunk_timer", func(ctx context.Context) error {
		assembly, err := e.sessions.GetAssembly(mac, imageName)
		if err != nil || assembly == nil {
			return err
		}

		stored, err := e.chunks.StoredIndices(ctx, mac, imageName)
		if err != nil {
			return fmt.Errorf("missing-chunk check for %s/%s: %w", mac, imageName, err)
		}
		missing := sessionstore.NewReceivedIndexSnapshot(stored).Missing(assembly.Metadata.TotalChunks)
		if len(missing) == 0 {
			return e.runFinalize(ctx, mac, imageName)
		}

		session, err := e.sessions.GetSession(mac)
		if err != nil {
			return err
		}
		if session == nil {
			// No active conversation to retransmit into; record the stall
			// on the image row and leave the assembly for the sweeper.
			e.log.WithFields(logrus.Fields{"device_mac": mac, "image_name": imageName, "missing": missing}).
				Warn("missing chunks with no active session, marking image incomplete")
			if assembly.ImageID != "" {
				received := len(stored)
				if err := e.rpc.UpdateImageRecordDirect(ctx, assembly.ImageID, rpcclient.ImageRecordUpdate{
					Status:         string(model.ImageIncomplete),
					ReceivedChunks: &received,
					MissingChunks:  missing,
				}); err != nil {
					e.log.WithError(err).WithFields(logrus.Fields{"device_mac": mac, "image_name": imageName}).
						Warn("failed to mark image record incomplete")
				}
			}
			return nil
		}
		return e.publishCommand(mac, map[string]any{"device_id": session.DeviceID, "image_name": imageName, "missing_chunks": missing})
	})
	if err != nil {
		e.log.WithError(err).WithFields(logrus.Fields{"device_mac": mac, "image_name": imageName}).Error("missing-chunk timer handling failed")
	}
}

func (e *Engine) runFinalize(ctx context.Context, mac, imageName string) error {
	metrics := perfstats.NewWakeCycleMetrics()
	ctx = perfstats.WithMetrics(ctx, metrics)
	overall := perfstats.Start("finalize_total", e.log)
	defer func() {
		metrics.TotalDuration = overall.Stop()
		e.log.WithFields(logrus.Fields{"device_mac": mac, "image_name": imageName}).Debug(metrics.Summary())
	}()

	assembly, err := e.sessions.GetAssembly(mac, imageName)
	if err != nil {
		return fmt.Errorf("get assembly for %s/%s: %w", mac, imageName, err)
	}
	if assembly == nil {
		return nil
	}

	device, err := e.devices.GetByMAC(ctx, mac)
	if err != nil {
		e.log.WithError(err).WithField("device_mac", mac).Warn("failed to load device for next-wake computation")
		device = nil
	}
	lineageTimer := perfstats.Start("lineage_resolve", e.log)
	lineage, err := e.resolver.ResolveLineage(ctx, mac)
	metrics.LineageDuration = lineageTimer.Stop()
	if err != nil {
		e.log.WithError(err).WithField("device_mac", mac).Warn("lineage resolution failed during finalize")
	}

	outcome, err := e.finalizer.Finalize(ctx, assembly, device, lineage, "")
	if err != nil {
		e.log.WithError(err).WithFields(logrus.Fields{"device_mac": mac, "image_name": imageName}).Error("finalize failed")
	}

	switch outcome.Status {
	case finalizer.StatusMissingChunks, finalizer.StatusNoop:
		return nil
	case finalizer.StatusUploadFailed, finalizer.StatusPersistFailed:
		// No ACK sent; the session times out and is reaped by the idle
		// sweeper, and the device re-sends on its next wake.
		return nil
	case finalizer.StatusCompleted:
		// Persist the computed next-wake so a future finalize for this
		// device can use the stored value directly instead of recomputing from cron.
		if err := e.devices.SetNextWakeAt(ctx, mac, outcome.NextWake.At); err != nil {
			e.log.WithError(err).WithField("device_mac", mac).Warn("failed to persist computed next-wake time")
		}
		session, sessErr := e.sessions.GetSession(mac)
		if sessErr != nil {
			return sessErr
		}
		return e.emitTerminalAck(ctx, mac, imageName, session, outcome)
	default:
		return nil
	}
}

func (e *Engine) emitTerminalAck(ctx context.Context, mac, imageName string, session *model.Session, outcome finalizer.Outcome) error {
	deviceID := mac
	if session != nil && session.DeviceID != "" {
		deviceID = session.DeviceID
	}
	now := time.Now().UTC()

	if session != nil && session.State == model.SessionDrainingPending {
		if err := e.publishTerminalAck(mac, imageName, map[string]any{"device_id": deviceID, "image_name": imageName, "ACK_OK": map[string]any{}}); err != nil {
			e.log.WithError(err).WithField("device_mac", mac).Warn("failed to publish drain ACK_OK")
		}

		session.PendingDrained++
		session.LastActivityAt = now

		if session.PendingDrained >= session.InitialPendingCount {
			if !session.LastCaptureSentAt.IsZero() && now.Sub(session.LastCaptureSentAt) < captureDebounce {
				// Debounced: a capture_image was just sent.
			} else {
				if err := e.dispatcher.SupersedePendingCaptureImage(ctx, mac); err != nil {
					e.log.WithError(err).WithField("device_mac", mac).Warn("failed to supersede queued capture_image commands")
				}
				if err := e.publishCommand(mac, map[string]any{"device_id": deviceID, "capture_image": true}); err != nil {
					e.log.WithError(err).WithField("device_mac", mac).Warn("failed to publish post-drain capture_image")
				}
				session.State = model.SessionCaptureSent
				session.LastCaptureSentAt = now
			}
		}
		return e.sessions.PutSession(session)
	}

	if err := e.publishTerminalAck(mac, imageName, map[string]any{
		"device_id":  deviceID,
		"image_name": imageName,
		"ACK_OK":     map[string]any{"next_wake_time": outcome.NextWake.Rendered},
	}); err != nil {
		e.log.WithError(err).WithField("device_mac", mac).Warn("failed to publish fresh-capture ACK_OK")
	}
	return e.sessions.DeleteSession(mac)
}

func (e *Engine) handleAck(ctx context.Context, mac string, payload map[string]any) error {
	if _, terminal := payload["ACK_OK"]; terminal {
		return nil
	}
	if _, missingChunks := payload["missing_chunks"]; missingChunks {
		return nil
	}
	return e.dispatcher.AcknowledgeMostRecent(ctx, mac)
}

// SweepResult reports how much the periodic sweep reaped, for the
// operator-facing gatewayctl gc command to print.
type SweepResult struct {
	IdleSessionsReaped        int
	SuppressionEntriesEvicted int
	ChunkRowsSwept            int
}

// Sweep runs the periodic background maintenance: the idle-session
// reaper, the completed-image suppression-set eviction, and the
// chunk-store TTL sweep. It is meant to be called every 60s.
func (e *Engine) Sweep(ctx context.Context) SweepResult {
	now := time.Now().UTC()
	var result SweepResult

	idle, err := e.sessions.IdleSessions(sessionIdleTimeout, now)
	if err != nil {
		e.log.WithError(err).Error("failed to list idle sessions")
	}
	for _, sess := range idle {
		if err := e.sessions.DeleteSession(sess.DeviceMAC); err != nil {
			e.log.WithError(err).WithField("device_mac", sess.DeviceMAC).Warn("failed to reap idle session")
			continue
		}
		result.IdleSessionsReaped++
		// Drop the reaped conversation's in-flight assemblies too; their
		// chunk rows stay on disk until the TTL sweep so a device-initiated
		// resend can still complete.
		assemblies, err := e.sessions.AssembliesForDevice(sess.DeviceMAC)
		if err != nil {
			e.log.WithError(err).WithField("device_mac", sess.DeviceMAC).Warn("failed to list assemblies for reaped session")
			continue
		}
		for _, a := range assemblies {
			e.sessions.CancelMissingChunkTimer(a.Key())
			if err := e.sessions.DeleteAssembly(a.DeviceMAC, a.ImageName); err != nil {
				e.log.WithError(err).WithField("device_mac", a.DeviceMAC).Warn("failed to drop assembly for reaped session")
			}
		}
	}

	evicted := e.sessions.SweepCompleted(completedSuppressionWindow, now)
	for _, key := range evicted {
		if err := e.sessions.DeleteAssembly(key.DeviceMAC, key.ImageName); err != nil {
			e.log.WithError(err).WithField("device_mac", key.DeviceMAC).Warn("failed to evict completed assembly")
		}
	}
	result.SuppressionEntriesEvicted = len(evicted)
	if result.SuppressionEntriesEvicted > 0 {
		e.log.WithField("count", result.SuppressionEntriesEvicted).Debug("swept completed-image suppression entries")
	}

	count, err := e.chunks.Sweep(ctx)
	if err != nil {
		e.log.WithError(err).Error("chunk store sweep failed")
	} else if count > 0 {
		result.ChunkRowsSwept = int(count)
		e.log.WithField("count", count).Info("swept expired chunk rows")
	}
	return result
}

// SessionSnapshot is the read-only view of one active session exposed on
// the operator debug endpoint, not part of the device-facing protocol.
type SessionSnapshot struct {
	DeviceMAC        string    `json:"device_mac"`
	State            string    `json:"state"`
	CurrentImageName string    `json:"current_image_name,omitempty"`
	StartedAt        time.Time `json:"started_at"`
	LastActivityAt   time.Time `json:"last_activity_at"`
}

// ActiveSessions lists every in-flight device conversation for gatewayctl
// monitor and the /debug/sessions endpoint.
func (e *Engine) ActiveSessions() ([]SessionSnapshot, error) {
	sessions, err := e.sessions.AllSessions()
	if err != nil {
		return nil, err
	}
	out := make([]SessionSnapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, SessionSnapshot{
			DeviceMAC:        s.DeviceMAC,
			State:            string(s.State),
			CurrentImageName: s.CurrentImageName,
			StartedAt:        s.StartedAt,
			LastActivityAt:   s.LastActivityAt,
		})
	}
	return out, nil
}

func (e *Engine) publishCommand(deviceMAC string, payload map[string]any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode command payload: %w", err)
	}
	return e.broker.PublishCommand(deviceMAC, encoded)
}

// publishTerminalAck publishes an ACK_OK to the device's ack topic and
// records a fire-and-forget audit row for it.
func (e *Engine) publishTerminalAck(deviceMAC, imageName string, payload map[string]any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode ack payload: %w", err)
	}
	pubErr := e.broker.PublishAck(deviceMAC, encoded)
	errText := ""
	if pubErr != nil {
		errText = pubErr.Error()
	}
	go e.resolver.LogAck(context.Background(), deviceMAC, imageName, "ACK_OK", e.broker.AckTopic(deviceMAC), encoded, pubErr == nil, errText)
	return pubErr
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := asString(m[k]); s != "" {
			return s
		}
	}
	return ""
}

func firstInt(m map[string]any, keys ...string) int {
	for _, k := range keys {
		if v := asInt(m[k]); v != 0 {
			return v
		}
	}
	return 0
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func stringList(v any) []string {
	items, _ := v.([]any)
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func asInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	default:
		return 0
	}
}
