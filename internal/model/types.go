// Package model defines the data types shared across the device gateway:
// devices, in-memory sessions and image assemblies, durable chunk rows, and
// the outbound command queue. ImageRecord rows are written through RPC to the
// external relational database; Device and Command rows live in the gateway's
// own SQLite stores (devicestore, cmdqueue). These types are the gateway's
// in-process view of them.
package model

import "time"

// ProvisioningStatus is the lifecycle state of a Device row.
type ProvisioningStatus string

const (
	ProvisioningPendingMapping ProvisioningStatus = "pending_mapping"
	ProvisioningActive         ProvisioningStatus = "active"
	ProvisioningInactive       ProvisioningStatus = "inactive"
)

// Device is the canonical record for one physical camera, identified by its
// normalized MAC address.
type Device struct {
	MAC               string
	DeviceCode        string
	ProvisioningState ProvisioningStatus
	CompanyID         string
	ProgramID         string
	SiteID            string
	WakeSchedule      string // cron expression, optional
	NextWakeAt        *time.Time
	LastSeenAt        time.Time
}

// HasFullAssignment reports whether the device has a complete lineage
// (company, program, and site all set).
func (d *Device) HasFullAssignment() bool {
	return d != nil && d.CompanyID != "" && d.ProgramID != "" && d.SiteID != ""
}

// DeviceLineage is the cached projection of a device's organizational
// position, returned by fn_resolve_device_lineage and cached for 5 minutes.
type DeviceLineage struct {
	DeviceID  string
	CompanyID string
	ProgramID string
	SiteID    string
}

// Complete reports whether all four lineage fields are populated.
func (l *DeviceLineage) Complete() bool {
	return l != nil && l.DeviceID != "" && l.CompanyID != "" && l.ProgramID != "" && l.SiteID != ""
}

// SessionState is one state of the per-device conversation state machine.
type SessionState string

const (
	SessionHelloReceived   SessionState = "hello_received"
	SessionDrainingPending SessionState = "draining_pending"
	SessionCaptureSent     SessionState = "capture_sent"
	SessionImageInFlight   SessionState = "image_in_flight"
)

// Session is the in-memory record of one device's active wake conversation.
// Exactly one exists per device with an open conversation; it is removed when
// the terminal ACK_OK is sent, or reaped after 10 minutes of inactivity.
type Session struct {
	DeviceMAC           string
	DeviceID            string
	State               SessionState
	InitialPendingCount int
	PendingDrained      int
	CurrentImageName    string
	StartedAt           time.Time
	LastActivityAt      time.Time
	LastCaptureSentAt   time.Time
}

// Idle reports whether the session has been inactive for longer than d.
func (s *Session) Idle(d time.Duration, now time.Time) bool {
	return now.Sub(s.LastActivityAt) > d
}

// ImageMetadata is the normalized capture metadata attached to an
// ImageAssembly, after devicecontext.NormalizeMetadata has folded firmware
// field-name variants onto these canonical names.
type ImageMetadata struct {
	TotalChunks     int
	ExpectedSize    int64
	MaxChunkSize    int
	CapturedAt      time.Time
	CapturedAtRaw   string
	TimestampSource string   // "device" | "server_fallback"
	Temperature     *float64 // Celsius
	Humidity        *float64
	Pressure        *float64
	GasResistance   *float64
	BatteryVoltage  *float64
	Location        string
}

// ImageAssembly is the in-memory buffer tracking reassembly of one image for
// one device. Keyed by (DeviceMAC, ImageName).
type ImageAssembly struct {
	DeviceMAC     string
	ImageName     string
	Metadata      ImageMetadata
	ImageID       string // external ImageRecord handle, once known
	WakePayloadID string
	SessionID     string
	Completed     bool
	CreatedAt     time.Time
	CompletedAt   time.Time
}

// Key returns the map key for this assembly: (device MAC, image name).
func (a *ImageAssembly) Key() AssemblyKey {
	return AssemblyKey{DeviceMAC: a.DeviceMAC, ImageName: a.ImageName}
}

// AssemblyKey identifies one in-flight image reassembly.
type AssemblyKey struct {
	DeviceMAC string
	ImageName string
}

// ChunkRow is one durably-buffered image chunk, as stored by the chunk store.
type ChunkRow struct {
	ChunkKey   string
	DeviceMAC  string
	ImageName  string
	ChunkIndex int
	Bytes      []byte
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// ImageStatus is the lifecycle state of an ImageRecord.
type ImageStatus string

const (
	ImagePending    ImageStatus = "pending"
	ImageReceiving  ImageStatus = "receiving"
	ImageComplete   ImageStatus = "complete"
	ImageFailed     ImageStatus = "failed"
	ImageIncomplete ImageStatus = "incomplete"
)

// ImageRecord mirrors the external table the gateway writes through RPCs.
type ImageRecord struct {
	ImageID        string
	DeviceID       string
	CompanyID      string
	ProgramID      string
	SiteID         string
	ImageName      string
	CapturedAt     time.Time
	TotalChunks    int
	ReceivedChunks int
	Status         ImageStatus
	ImageURL       string
	ErrorCode      int
	RetryCount     int
}

// CommandType enumerates the outbound command payload shapes.
type CommandType string

const (
	CommandCaptureImage    CommandType = "capture_image"
	CommandSendImage       CommandType = "send_image"
	CommandSetWakeSchedule CommandType = "set_wake_schedule"
	CommandUpdateConfig    CommandType = "update_config"
	CommandReboot          CommandType = "reboot"
	CommandUpdateFirmware  CommandType = "update_firmware"
	CommandPing            CommandType = "ping"
)

// CommandStatus is the lifecycle state of a queued Command.
type CommandStatus string

const (
	CommandPendingStatus      CommandStatus = "pending"
	CommandSentStatus         CommandStatus = "sent"
	CommandAcknowledgedStatus CommandStatus = "acknowledged"
	CommandFailedStatus       CommandStatus = "failed"
	CommandExpiredStatus      CommandStatus = "expired"
	CommandSupersededStatus   CommandStatus = "superseded"
)

// Command is one durable queue row for outbound device commands.
type Command struct {
	CommandID      string
	DeviceID       string
	DeviceMAC      string
	Type           CommandType
	Payload        map[string]any
	Status         CommandStatus
	IssuedAt       time.Time
	DeliveredAt    *time.Time
	AcknowledgedAt *time.Time
	RetryCount     int
}

// CanTransitionTo reports whether the command's status may change to next,
// enforcing that there is no transition out of acknowledged or expired.
func (c *Command) CanTransitionTo(next CommandStatus) bool {
	switch c.Status {
	case CommandAcknowledgedStatus, CommandExpiredStatus:
		return false
	case CommandPendingStatus:
		return next == CommandSentStatus || next == CommandFailedStatus || next == CommandExpiredStatus || next == CommandSupersededStatus
	case CommandSentStatus:
		return next == CommandAcknowledgedStatus
	case CommandFailedStatus:
		return next == CommandPendingStatus
	default:
		return false
	}
}

// WakeTime is a computed next-wake instant, rendered for the wire as a
// 12-hour UTC clock string (e.g. "8:30PM").
type WakeTime struct {
	At       time.Time
	Rendered string
}
