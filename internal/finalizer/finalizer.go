// Package finalizer converts a complete ImageAssembly into a persisted
// image artifact in blob storage and computes the device's next wake time.
package finalizer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fleetcam/devicegateway/internal/chunkstore"
	"github.com/fleetcam/devicegateway/internal/model"
	"github.com/fleetcam/devicegateway/internal/perfstats"
	"github.com/fleetcam/devicegateway/internal/rpcclient"
	"github.com/fleetcam/devicegateway/internal/sessionstore"
	"github.com/fleetcam/devicegateway/internal/storage"
	"github.com/fleetcam/devicegateway/internal/wake"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracer emits one span per finalize call plus child spans for the upload
// and completion-RPC phases, so a slow wake cycle can be traced end to end
// alongside the perfstats timing summary.
var tracer = otel.Tracer("github.com/fleetcam/devicegateway/internal/finalizer")

var jpegStart = []byte{0xFF, 0xD8, 0xFF}
var jpegEnd = []byte{0xFF, 0xD9}

// uploadWarnThreshold flags a blob upload worth investigating; it doesn't
// fail the finalize, just logs louder.
const uploadWarnThreshold = 2 * time.Second

// Uploader is the slice of *storage.Client the finalizer needs.
type Uploader interface {
	UploadImage(ctx context.Context, key string, data []byte) (*storage.UploadResult, error)
	PublicURL(key string) string
}

// Commander is the slice of *broker.Client needed to request retransmits
// mid-finalize.
type Commander interface {
	PublishCommand(deviceMAC string, payload []byte) error
}

// Status reports which branch Finalize took.
type Status string

const (
	// StatusNoop means the assembly was already completed; no work done.
	StatusNoop Status = "noop"
	// StatusMissingChunks means the assembly isn't actually complete;
	// a missing_chunks retransmit request was published instead.
	StatusMissingChunks Status = "missing_chunks"
	// StatusUploadFailed means the blob upload failed; no ACK should be sent.
	StatusUploadFailed Status = "upload_failed"
	// StatusPersistFailed means the upload succeeded but neither the
	// completion RPC nor the direct fallback could record it; no ACK
	// should be sent, so the device re-sends on its next wake.
	StatusPersistFailed Status = "persist_failed"
	// StatusCompleted means the image was persisted and a next-wake time computed.
	StatusCompleted Status = "completed"
)

// Outcome is the result of one Finalize call.
type Outcome struct {
	Status   Status
	ImageURL string
	NextWake model.WakeTime
}

// Finalizer runs the finalize pipeline.
type Finalizer struct {
	chunks    *chunkstore.Store
	sessions  *sessionstore.Store
	uploader  Uploader
	commands  Commander
	rpc       rpcclient.Client
	scheduler *wake.Scheduler
	log       logrus.FieldLogger
}

// New builds a Finalizer over its collaborators.
func New(chunks *chunkstore.Store, sessions *sessionstore.Store, uploader Uploader, commands Commander, rpc rpcclient.Client, scheduler *wake.Scheduler, log logrus.FieldLogger) *Finalizer {
	return &Finalizer{chunks: chunks, sessions: sessions, uploader: uploader, commands: commands, rpc: rpc, scheduler: scheduler, log: log}
}

// Finalize persists one complete (or apparently
// complete) ImageAssembly. device supplies cron/next-wake state for step
// "next-wake computation"; lineage, if complete, is used to build the
// canonical storage path.
func (f *Finalizer) Finalize(ctx context.Context, assembly *model.ImageAssembly, device *model.Device, lineage *model.DeviceLineage, siteCron string) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "finalizer.Finalize", trace.WithAttributes(
		attribute.String("device_mac", assembly.DeviceMAC),
		attribute.String("image_name", assembly.ImageName),
		attribute.Int("total_chunks", assembly.Metadata.TotalChunks),
	))
	defer span.End()

	logger := f.log.WithFields(logrus.Fields{"device_mac": assembly.DeviceMAC, "image_name": assembly.ImageName})

	// Step 1: guard re-entry.
	if assembly.Completed {
		return Outcome{Status: StatusNoop}, nil
	}

	// Step 2: re-check missing chunks.
	missing, err := f.chunks.Missing(ctx, assembly.DeviceMAC, assembly.ImageName, assembly.Metadata.TotalChunks)
	if err != nil {
		return Outcome{}, fmt.Errorf("re-check missing chunks for %s/%s: %w", assembly.DeviceMAC, assembly.ImageName, err)
	}
	if len(missing) > 0 {
		if err := f.requestMissingChunks(assembly.DeviceMAC, assembly.ImageName, missing); err != nil {
			logger.WithError(err).Warn("failed to publish missing_chunks request")
		}
		if assembly.ImageID != "" {
			received := assembly.Metadata.TotalChunks - len(missing)
			if err := f.rpc.UpdateImageRecordDirect(ctx, assembly.ImageID, rpcclient.ImageRecordUpdate{
				Status:         string(model.ImageReceiving),
				ReceivedChunks: &received,
				IncrementRetry: true,
			}); err != nil {
				logger.WithError(err).Warn("failed to mark image record receiving for retransmit")
			}
		}
		return Outcome{Status: StatusMissingChunks}, nil
	}

	// Step 3: assemble and sanity-check JPEG markers.
	data, ok, err := f.chunks.Assemble(ctx, assembly.DeviceMAC, assembly.ImageName, assembly.Metadata.TotalChunks)
	if err != nil {
		return Outcome{}, fmt.Errorf("assemble %s/%s: %w", assembly.DeviceMAC, assembly.ImageName, err)
	}
	if !ok {
		return Outcome{}, fmt.Errorf("assemble %s/%s: chunk count changed since missing-check", assembly.DeviceMAC, assembly.ImageName)
	}
	if !bytes.HasPrefix(data, jpegStart) {
		logger.Warn("assembled image missing JPEG start marker")
	}
	if !bytes.HasSuffix(data, jpegEnd) {
		logger.Warn("assembled image missing JPEG end marker")
	}

	// Step 4: compose the storage path.
	key := f.storagePath(ctx, assembly, lineage, logger)

	// Step 5: upload.
	uploadCtx, uploadSpan := tracer.Start(ctx, "blob_upload", trace.WithAttributes(attribute.String("storage_key", key)))
	uploadTimer := perfstats.Start("blob_upload", f.log)
	_, uploadErr := f.uploader.UploadImage(uploadCtx, key, data)
	uploadDuration := uploadTimer.StopWithThreshold(uploadWarnThreshold)
	if m := perfstats.MetricsFromContext(ctx); m != nil {
		m.UploadDuration += uploadDuration
	}
	if uploadErr != nil {
		uploadSpan.RecordError(uploadErr)
		uploadSpan.SetStatus(codes.Error, "upload failed")
		uploadSpan.End()
		span.SetStatus(codes.Error, "upload failed")
		logger.WithError(uploadErr).Error("image upload failed")
		f.markImageFailed(ctx, assembly, lineage, logger)
		return Outcome{Status: StatusUploadFailed}, nil
	}
	uploadSpan.End()

	// Step 6: public URL.
	imageURL := f.uploader.PublicURL(key)

	// Step 7: persist completion atomically via the RPC, falling back to a
	// direct write when the handler fails or never saw this image (e.g. a
	// resumed transfer across a gateway restart). No ACK may be emitted
	// unless one of the two actually lands.
	completionCtx, completionSpan := tracer.Start(ctx, "image_completion_rpc")
	completionTimer := perfstats.Start("image_completion_rpc", f.log)
	persisted := false
	var completion *rpcclient.ImageCompletionResult
	if assembly.ImageID != "" {
		completion, err = f.rpc.ImageCompletion(completionCtx, assembly.ImageID, imageURL)
		switch {
		case err != nil:
			completionSpan.RecordError(err)
			completionSpan.SetStatus(codes.Error, "completion rpc failed")
			logger.WithError(err).Warn("image completion RPC failed, falling back to direct update")
		case !completion.Success:
			logger.WithField("message", completion.Message).Warn("image completion RPC declined, falling back to direct update")
		default:
			persisted = true
		}
	}
	if !persisted {
		persisted = f.completeDirect(ctx, assembly, lineage, imageURL, logger)
	}
	completionDuration := completionTimer.Stop()
	completionSpan.End()
	if m := perfstats.MetricsFromContext(ctx); m != nil {
		m.CompletionDuration += completionDuration
	}
	if !persisted {
		span.SetStatus(codes.Error, "completion not persisted")
		logger.Error("image completion could not be persisted, withholding ACK")
		return Outcome{Status: StatusPersistFailed, ImageURL: imageURL}, nil
	}
	if completion != nil && completion.Success {
		sessionID := assembly.SessionID
		if completion.SessionID != "" {
			sessionID = completion.SessionID
		}
		deviceID := ""
		if lineage != nil {
			deviceID = lineage.DeviceID
		}
		f.rpc.EvaluateAlerts(ctx, deviceID, sessionID, completion.ObservationID)
	}

	// Step 8: wake_payload update has no modeled RPC distinct from
	// fn_image_completion_handler's own side effects; nothing further to do.

	// Next-wake computation.
	cron := wake.CronSource{SiteCron: siteCron}
	if device != nil {
		cron.DeviceCron = device.WakeSchedule
	}
	var storedNextWake *time.Time
	if device != nil {
		storedNextWake = device.NextWakeAt
	}
	nextWakeTimer := perfstats.Start("next_wake_calc", f.log)
	nextWake := f.scheduler.NextWake(ctx, storedNextWake, cron, time.Now().UTC())
	nextWakeDuration := nextWakeTimer.Stop()
	if m := perfstats.MetricsFromContext(ctx); m != nil {
		m.NextWakeDuration += nextWakeDuration
	}

	// Step 10: clear the chunk namespace, mark completed, arm the
	// suppression window. Eviction of the assembly itself from the
	// in-memory map after 5 minutes is the sweeper's job.
	if err := f.chunks.Clear(ctx, assembly.DeviceMAC, assembly.ImageName); err != nil {
		logger.WithError(err).Warn("failed to clear chunk namespace after finalize")
	}
	f.sessions.CancelMissingChunkTimer(assembly.Key())

	now := time.Now().UTC()
	assembly.Completed = true
	assembly.CompletedAt = now
	if err := f.sessions.PutAssembly(assembly); err != nil {
		logger.WithError(err).Warn("failed to persist completed assembly state")
	}
	f.sessions.MarkCompleted(assembly.Key(), now)

	span.SetStatus(codes.Ok, "completed")
	return Outcome{Status: StatusCompleted, ImageURL: imageURL, NextWake: nextWake}, nil
}

// lookupImageID resolves the database id for an assembly that arrived
// without one, by (device_id, image_name). Returns "" when the device has no
// resolved lineage or no row exists.
func (f *Finalizer) lookupImageID(ctx context.Context, assembly *model.ImageAssembly, lineage *model.DeviceLineage, logger logrus.FieldLogger) string {
	if assembly.ImageID != "" {
		return assembly.ImageID
	}
	if lineage == nil || lineage.DeviceID == "" {
		return ""
	}
	imageID, _, err := f.rpc.LookupImageRecord(ctx, lineage.DeviceID, assembly.ImageName)
	if err != nil {
		logger.WithError(err).Warn("image record lookup failed")
		return ""
	}
	return imageID
}

// markImageFailed records a definite upload failure on the image's database
// row (status failed, error_code 1) so downstream consumers never see the
// image as still in progress.
func (f *Finalizer) markImageFailed(ctx context.Context, assembly *model.ImageAssembly, lineage *model.DeviceLineage, logger logrus.FieldLogger) {
	imageID := f.lookupImageID(ctx, assembly, lineage, logger)
	if imageID == "" {
		logger.Warn("no image record found to mark failed")
		return
	}
	errorCode := 1
	if err := f.rpc.UpdateImageRecordDirect(ctx, imageID, rpcclient.ImageRecordUpdate{
		Status:    string(model.ImageFailed),
		ErrorCode: &errorCode,
	}); err != nil {
		logger.WithError(err).Warn("failed to mark image record failed")
	}
}

// completeDirect is the completion fallback: update the existing images row
// in place, or insert a new complete record with the full metadata snapshot
// when the wake-ingestion handler never created one. Reports whether the
// write landed.
func (f *Finalizer) completeDirect(ctx context.Context, assembly *model.ImageAssembly, lineage *model.DeviceLineage, imageURL string, logger logrus.FieldLogger) bool {
	total := assembly.Metadata.TotalChunks

	if imageID := f.lookupImageID(ctx, assembly, lineage, logger); imageID != "" {
		if err := f.rpc.UpdateImageRecordDirect(ctx, imageID, rpcclient.ImageRecordUpdate{
			Status:         string(model.ImageComplete),
			ImageURL:       imageURL,
			ReceivedChunks: &total,
			MarkReceived:   true,
		}); err != nil {
			logger.WithError(err).Warn("direct completion update failed")
			return false
		}
		assembly.ImageID = imageID
		return true
	}

	if lineage == nil || lineage.DeviceID == "" {
		logger.Warn("cannot record completion directly without a resolved device")
		return false
	}
	imageID, err := f.rpc.InsertImageRecordDirect(ctx, rpcclient.ImageRecordInsert{
		DeviceID:       lineage.DeviceID,
		ImageName:      assembly.ImageName,
		CapturedAt:     assembly.Metadata.CapturedAt,
		TotalChunks:    total,
		ReceivedChunks: total,
		Status:         string(model.ImageComplete),
		ImageURL:       imageURL,
		Metadata:       metadataSnapshot(assembly.Metadata),
	})
	if err != nil {
		logger.WithError(err).Warn("direct completion insert failed")
		return false
	}
	assembly.ImageID = imageID
	return true
}

// metadataSnapshot flattens the capture metadata for a directly-inserted row.
func metadataSnapshot(m model.ImageMetadata) map[string]any {
	snap := map[string]any{
		"expected_size":    m.ExpectedSize,
		"max_chunk_size":   m.MaxChunkSize,
		"timestamp_source": m.TimestampSource,
	}
	if m.Location != "" {
		snap["location"] = m.Location
	}
	sensors := map[string]*float64{
		"temperature":     m.Temperature,
		"humidity":        m.Humidity,
		"pressure":        m.Pressure,
		"gas_resistance":  m.GasResistance,
		"battery_voltage": m.BatteryVoltage,
	}
	for key, v := range sensors {
		if v != nil {
			snap[key] = *v
		}
	}
	return snap
}

func (f *Finalizer) storagePath(ctx context.Context, assembly *model.ImageAssembly, lineage *model.DeviceLineage, logger logrus.FieldLogger) string {
	if lineage != nil && lineage.Complete() {
		path, err := f.rpc.BuildDeviceImagePath(ctx, lineage.CompanyID, lineage.SiteID, assembly.DeviceMAC, assembly.ImageName)
		if err == nil && path != "" {
			return path
		}
		logger.WithError(err).Warn("build_image_path RPC failed, falling back to default path shape")
	}
	return assembly.DeviceMAC + "/" + assembly.ImageName
}

func (f *Finalizer) requestMissingChunks(deviceMAC, imageName string, missing []int) error {
	payload, err := json.Marshal(map[string]any{"device_id": deviceMAC, "image_name": imageName, "missing_chunks": missing})
	if err != nil {
		return fmt.Errorf("encode missing_chunks payload: %w", err)
	}
	return f.commands.PublishCommand(deviceMAC, payload)
}
