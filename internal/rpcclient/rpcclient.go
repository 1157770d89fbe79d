// Package rpcclient calls the relational database's RPC surface: a set
// of Postgres functions the gateway invokes but does not implement. The
// database, its schema, and row-level authorization are out of scope for
// this module; this package only knows how to call the
// named functions and decode their results.
package rpcclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// LineageResult is the decoded response of fn_resolve_device_lineage.
type LineageResult struct {
	DeviceID  string
	CompanyID string
	ProgramID string
	SiteID    string
	Error     string
}

// WakeIngestionResult is the decoded response of fn_wake_ingestion_handler.
type WakeIngestionResult struct {
	Success   bool
	PayloadID string
	ImageID   string
	SessionID string
	WakeIndex int
	IsResume  bool
	Message   string
}

// ImageCompletionResult is the decoded response of fn_image_completion_handler.
type ImageCompletionResult struct {
	Success       bool
	ImageID       string
	ObservationID string
	SessionID     string
	Message       string
}

// TelemetryInput is the payload passed to fn_wake_ingestion_handler as
// telemetry_data: environmental sensor readings plus device battery state.
type TelemetryInput struct {
	TemperatureF   *float64
	Humidity       *float64
	Pressure       *float64
	GasResistance  *float64
	BatteryVoltage *float64
	Location       string
}

// ImageRecordUpdate is a partial direct write against one images row, for
// the fallback paths where a fn_* handler is unavailable or no handler
// covers the write (upload failures, retransmit bookkeeping, timed-out
// transfers, pending-list reconciliation).
type ImageRecordUpdate struct {
	Status         string
	ImageURL       string // written when non-empty
	ErrorCode      *int
	ReceivedChunks *int
	IncrementRetry bool
	MarkReceived   bool  // stamps received_at
	MissingChunks  []int // merged into the row's metadata when non-empty
}

// ImageRecordInsert is a directly-inserted images row, used when a record
// must be created for an image the wake-ingestion handler never saw.
type ImageRecordInsert struct {
	DeviceID       string
	ImageName      string
	CapturedAt     time.Time
	TotalChunks    int
	ReceivedChunks int
	Status         string
	ImageURL       string
	Metadata       map[string]any
}

// Client is the gateway's view of the database RPC surface. Most methods
// map 1:1 onto a named Postgres function; the three ImageRecord methods are
// direct reads/writes against the images table, used as the fallback when a
// handler fails or when no handler covers the write. Callers are
// responsible for degrading gracefully on failure.
type Client interface {
	ResolveDeviceLineage(ctx context.Context, mac string) (*LineageResult, error)
	WakeIngestion(ctx context.Context, deviceID, imageName string, capturedAt time.Time, telemetry TelemetryInput, existingImageID string) (*WakeIngestionResult, error)
	ImageCompletion(ctx context.Context, imageID, imageURL string) (*ImageCompletionResult, error)
	CalculateNextWake(ctx context.Context, cronExpression string, from time.Time) (time.Time, error)
	BuildDeviceImagePath(ctx context.Context, companyID, siteID, deviceMAC, imageName string) (string, error)

	LookupImageRecord(ctx context.Context, deviceID, imageName string) (imageID, status string, err error)
	UpdateImageRecordDirect(ctx context.Context, imageID string, update ImageRecordUpdate) error
	InsertImageRecordDirect(ctx context.Context, rec ImageRecordInsert) (string, error)

	LogDeviceAck(ctx context.Context, mac, imageName, ackType, topic string, payload []byte, success bool, errText string)
	LogMQTTMessage(ctx context.Context, mac, direction, topic string, payload []byte, kind string)
	LogDuplicateImage(ctx context.Context, mac, imageName string)

	EvaluateAlerts(ctx context.Context, deviceID, sessionID string, observationID string)
}

// PostgresClient implements Client against a real Postgres instance via pgx,
// calling each fn_* as `SELECT * FROM fn_name(...)`.
type PostgresClient struct {
	pool *pgxpool.Pool
	log  logrus.FieldLogger
	// rpcTimeout bounds every call; the stored functions carry no
	// intrinsic timeout of their own.
	rpcTimeout time.Duration
}

// NewPostgresClient wraps an existing pgx pool. rpcTimeout defaults to 10s
// if zero.
func NewPostgresClient(pool *pgxpool.Pool, log logrus.FieldLogger, rpcTimeout time.Duration) *PostgresClient {
	if rpcTimeout <= 0 {
		rpcTimeout = 10 * time.Second
	}
	return &PostgresClient{pool: pool, log: log, rpcTimeout: rpcTimeout}
}

func (c *PostgresClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.rpcTimeout)
}

// ResolveDeviceLineage calls fn_resolve_device_lineage(mac).
func (c *PostgresClient) ResolveDeviceLineage(ctx context.Context, mac string) (*LineageResult, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	row := c.pool.QueryRow(ctx, `SELECT device_id, company_id, program_id, site_id, coalesce(error, '')
		FROM fn_resolve_device_lineage($1)`, mac)

	var r LineageResult
	if err := row.Scan(&r.DeviceID, &r.CompanyID, &r.ProgramID, &r.SiteID, &r.Error); err != nil {
		return nil, fmt.Errorf("fn_resolve_device_lineage(%s): %w", mac, err)
	}
	return &r, nil
}

// WakeIngestion calls fn_wake_ingestion_handler(...). existingImageID may be
// empty, signaling no prior ImageRecord is known to the caller.
func (c *PostgresClient) WakeIngestion(ctx context.Context, deviceID, imageName string, capturedAt time.Time, telemetry TelemetryInput, existingImageID string) (*WakeIngestionResult, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var existing any
	if existingImageID != "" {
		existing = existingImageID
	}

	row := c.pool.QueryRow(ctx, `SELECT success, payload_id, image_id, session_id, wake_index, is_resume, coalesce(message, '')
		FROM fn_wake_ingestion_handler($1, $2, $3, $4, $5)`,
		deviceID, capturedAt, imageName, telemetryJSON(telemetry), existing)

	var r WakeIngestionResult
	if err := row.Scan(&r.Success, &r.PayloadID, &r.ImageID, &r.SessionID, &r.WakeIndex, &r.IsResume, &r.Message); err != nil {
		return nil, fmt.Errorf("fn_wake_ingestion_handler(%s, %s): %w", deviceID, imageName, err)
	}
	return &r, nil
}

// ImageCompletion calls fn_image_completion_handler(image_id, image_url).
func (c *PostgresClient) ImageCompletion(ctx context.Context, imageID, imageURL string) (*ImageCompletionResult, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	row := c.pool.QueryRow(ctx, `SELECT success, image_id, coalesce(observation_id, ''), coalesce(session_id, ''), coalesce(message, '')
		FROM fn_image_completion_handler($1, $2)`, imageID, imageURL)

	var r ImageCompletionResult
	if err := row.Scan(&r.Success, &r.ImageID, &r.ObservationID, &r.SessionID, &r.Message); err != nil {
		return nil, fmt.Errorf("fn_image_completion_handler(%s): %w", imageID, err)
	}
	return &r, nil
}

// CalculateNextWake calls fn_calculate_next_wake(cron_expression, from_timestamp).
func (c *PostgresClient) CalculateNextWake(ctx context.Context, cronExpression string, from time.Time) (time.Time, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var next time.Time
	err := c.pool.QueryRow(ctx, `SELECT fn_calculate_next_wake($1, $2)`, cronExpression, from).Scan(&next)
	if err != nil {
		return time.Time{}, fmt.Errorf("fn_calculate_next_wake(%q): %w", cronExpression, err)
	}
	return next, nil
}

// BuildDeviceImagePath calls fn_build_device_image_path(company_id, site_id, device_mac, image_name).
func (c *PostgresClient) BuildDeviceImagePath(ctx context.Context, companyID, siteID, deviceMAC, imageName string) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var path string
	err := c.pool.QueryRow(ctx, `SELECT fn_build_device_image_path($1, $2, $3, $4)`,
		companyID, siteID, deviceMAC, imageName).Scan(&path)
	if err != nil {
		return "", fmt.Errorf("fn_build_device_image_path(%s, %s): %w", deviceMAC, imageName, err)
	}
	return path, nil
}

// LookupImageRecord finds the most recent images row for (device_id,
// image_name). Returns empty values, not an error, when no row exists.
func (c *PostgresClient) LookupImageRecord(ctx context.Context, deviceID, imageName string) (string, string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var imageID, status string
	err := c.pool.QueryRow(ctx, `SELECT image_id, status FROM images
		WHERE device_id = $1 AND image_name = $2
		ORDER BY captured_at DESC LIMIT 1`, deviceID, imageName).Scan(&imageID, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("lookup image record %s/%s: %w", deviceID, imageName, err)
	}
	return imageID, status, nil
}

// buildImageUpdate renders the SET clause for UpdateImageRecordDirect.
// Placeholder numbering starts at $2; $1 is the image_id in the WHERE.
func buildImageUpdate(u ImageRecordUpdate) (string, []any) {
	set := []string{"status = $2"}
	args := []any{u.Status}
	next := 3
	add := func(clause string, v any) {
		set = append(set, fmt.Sprintf(clause, next))
		args = append(args, v)
		next++
	}

	if u.ImageURL != "" {
		add("image_url = $%d", u.ImageURL)
	}
	if u.ErrorCode != nil {
		add("error_code = $%d", *u.ErrorCode)
	}
	if u.ReceivedChunks != nil {
		add("received_chunks = $%d", *u.ReceivedChunks)
	}
	if u.IncrementRetry {
		set = append(set, "retry_count = coalesce(retry_count, 0) + 1")
	}
	if u.MarkReceived {
		set = append(set, "received_at = now()")
	}
	if len(u.MissingChunks) > 0 {
		encoded, _ := json.Marshal(map[string]any{"missing_chunks": u.MissingChunks})
		add("metadata = coalesce(metadata, '{}'::jsonb) || $%d::jsonb", string(encoded))
	}
	return strings.Join(set, ", "), args
}

// UpdateImageRecordDirect writes update against one images row without going
// through a fn_* handler.
func (c *PostgresClient) UpdateImageRecordDirect(ctx context.Context, imageID string, update ImageRecordUpdate) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	setClause, args := buildImageUpdate(update)
	fullArgs := append([]any{imageID}, args...)
	_, err := c.pool.Exec(ctx, `UPDATE images SET `+setClause+` WHERE image_id = $1`, fullArgs...)
	if err != nil {
		return fmt.Errorf("direct image update %s: %w", imageID, err)
	}
	return nil
}

// InsertImageRecordDirect inserts a new images row and returns its id.
func (c *PostgresClient) InsertImageRecordDirect(ctx context.Context, rec ImageRecordInsert) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	metadata := rec.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	var capturedAt any
	if !rec.CapturedAt.IsZero() {
		capturedAt = rec.CapturedAt
	}

	var imageID string
	err := c.pool.QueryRow(ctx, `INSERT INTO images
		(device_id, image_name, captured_at, total_chunks, received_chunks, status, image_url, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING image_id`,
		rec.DeviceID, rec.ImageName, capturedAt, rec.TotalChunks, rec.ReceivedChunks, rec.Status, rec.ImageURL, metadata).Scan(&imageID)
	if err != nil {
		return "", fmt.Errorf("direct image insert %s/%s: %w", rec.DeviceID, rec.ImageName, err)
	}
	return imageID, nil
}

// LogDeviceAck fires fn_log_device_ack and swallows errors; audit logging
// must never block the data path.
func (c *PostgresClient) LogDeviceAck(ctx context.Context, mac, imageName, ackType, topic string, payload []byte, success bool, errText string) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.pool.Exec(ctx, `SELECT fn_log_device_ack($1,$2,$3,$4,$5,$6,$7)`,
		mac, imageName, ackType, topic, payload, success, errText)
	if err != nil {
		c.log.WithError(err).WithField("mac", mac).Warn("fn_log_device_ack failed")
	}
}

// LogMQTTMessage fires log_mqtt_message and swallows errors.
func (c *PostgresClient) LogMQTTMessage(ctx context.Context, mac, direction, topic string, payload []byte, kind string) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.pool.Exec(ctx, `SELECT log_mqtt_message($1,$2,$3,$4,$5)`, mac, direction, topic, payload, kind)
	if err != nil {
		c.log.WithError(err).WithField("mac", mac).Warn("log_mqtt_message failed")
	}
}

// LogDuplicateImage fires fn_log_duplicate_image and swallows errors.
func (c *PostgresClient) LogDuplicateImage(ctx context.Context, mac, imageName string) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.pool.Exec(ctx, `SELECT fn_log_duplicate_image($1,$2)`, mac, imageName)
	if err != nil {
		c.log.WithError(err).WithField("mac", mac).Warn("fn_log_duplicate_image failed")
	}
}

// EvaluateAlerts fires the optional alert-threshold evaluators after
// telemetry/score ingestion. These are best-effort and never block.
func (c *PostgresClient) EvaluateAlerts(ctx context.Context, deviceID, sessionID, observationID string) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	evaluators := []string{
		"check_absolute_thresholds",
		"check_combination_zones",
		"check_intra_session_shifts",
		"check_mgi_velocity",
		"check_mgi_program_speed",
	}
	for _, fn := range evaluators {
		query := fmt.Sprintf(`SELECT %s($1, $2, $3)`, fn)
		if _, err := c.pool.Exec(ctx, query, deviceID, sessionID, observationID); err != nil {
			c.log.WithError(err).WithFields(logrus.Fields{"device_id": deviceID, "evaluator": fn}).Debug("alert evaluator failed")
		}
	}
}

func telemetryJSON(t TelemetryInput) map[string]any {
	m := map[string]any{}
	if t.TemperatureF != nil {
		m["temperature_f"] = *t.TemperatureF
	}
	if t.Humidity != nil {
		m["humidity"] = *t.Humidity
	}
	if t.Pressure != nil {
		m["pressure"] = *t.Pressure
	}
	if t.GasResistance != nil {
		m["gas_resistance"] = *t.GasResistance
	}
	if t.BatteryVoltage != nil {
		m["battery_voltage"] = *t.BatteryVoltage
	}
	if t.Location != "" {
		m["location"] = t.Location
	}
	return m
}
