package sessionengine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/fleetcam/devicegateway/internal/chunkstore"
	"github.com/fleetcam/devicegateway/internal/cmdqueue"
	"github.com/fleetcam/devicegateway/internal/devicecontext"
	"github.com/fleetcam/devicegateway/internal/devicelock"
	"github.com/fleetcam/devicegateway/internal/devicestore"
	"github.com/fleetcam/devicegateway/internal/dispatcher"
	"github.com/fleetcam/devicegateway/internal/finalizer"
	"github.com/fleetcam/devicegateway/internal/model"
	"github.com/fleetcam/devicegateway/internal/rpcclient"
	"github.com/fleetcam/devicegateway/internal/sessionstore"
	"github.com/fleetcam/devicegateway/internal/storage"
	"github.com/fleetcam/devicegateway/internal/wake"
	"github.com/sirupsen/logrus"
)

// nextWakePattern matches the 12-hour clock rendering devices expect.
var nextWakePattern = regexp.MustCompile(`^([1-9]|1[0-2]):[0-5][0-9](AM|PM)$`)

// fakeBroker records every command/ack publish instead of touching MQTT.
type fakeBroker struct {
	mu       sync.Mutex
	commands []map[string]any
	acks     []map[string]any
}

func (f *fakeBroker) PublishCommand(deviceMAC string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var decoded map[string]any
	_ = json.Unmarshal(payload, &decoded)
	f.commands = append(f.commands, decoded)
	return nil
}

func (f *fakeBroker) PublishAck(deviceMAC string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var decoded map[string]any
	_ = json.Unmarshal(payload, &decoded)
	f.acks = append(f.acks, decoded)
	return nil
}

func (f *fakeBroker) AckTopic(deviceMAC string) string {
	return "cam/" + deviceMAC + "/ack"
}

func (f *fakeBroker) commandsOfType(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.commands {
		if _, ok := c[key]; ok {
			n++
		}
	}
	return n
}

func (f *fakeBroker) lastAck() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.acks) == 0 {
		return nil
	}
	return f.acks[len(f.acks)-1]
}

// fakeUploader is an in-memory stand-in for blob storage.
type fakeUploader struct {
	mu       sync.Mutex
	uploaded map[string][]byte
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{uploaded: make(map[string][]byte)}
}

func (u *fakeUploader) UploadImage(ctx context.Context, key string, data []byte) (*storage.UploadResult, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.uploaded[key] = append([]byte(nil), data...)
	return &storage.UploadResult{Key: key, SizeBytes: int64(len(data))}, nil
}

func (u *fakeUploader) PublicURL(key string) string {
	return "https://example-bucket.s3.amazonaws.com/" + key
}

// fakeRPC implements only the rpcclient.Client methods the engine's
// collaborators (resolver, finalizer, wake scheduler) actually invoke.
type fakeRPC struct {
	rpcclient.Client
	nextWake time.Time

	mu            sync.Mutex
	recordUpdates []rpcclient.ImageRecordUpdate
	recordInserts []rpcclient.ImageRecordInsert
}

func (f *fakeRPC) ResolveDeviceLineage(ctx context.Context, mac string) (*rpcclient.LineageResult, error) {
	return &rpcclient.LineageResult{DeviceID: "dev-1"}, nil
}

func (f *fakeRPC) WakeIngestion(ctx context.Context, deviceID, imageName string, capturedAt time.Time, telemetry rpcclient.TelemetryInput, existingImageID string) (*rpcclient.WakeIngestionResult, error) {
	return &rpcclient.WakeIngestionResult{Success: true, ImageID: "img-" + imageName, SessionID: "sess-1"}, nil
}

func (f *fakeRPC) ImageCompletion(ctx context.Context, imageID, imageURL string) (*rpcclient.ImageCompletionResult, error) {
	return &rpcclient.ImageCompletionResult{Success: true, ImageID: imageID}, nil
}

func (f *fakeRPC) CalculateNextWake(ctx context.Context, cronExpression string, from time.Time) (time.Time, error) {
	return f.nextWake, nil
}

func (f *fakeRPC) BuildDeviceImagePath(ctx context.Context, companyID, siteID, deviceMAC, imageName string) (string, error) {
	return "", errNoLineage
}

func (f *fakeRPC) EvaluateAlerts(ctx context.Context, deviceID, sessionID, observationID string) {}

func (f *fakeRPC) LogMQTTMessage(ctx context.Context, mac, direction, topic string, payload []byte, kind string) {
}

func (f *fakeRPC) LogDeviceAck(ctx context.Context, mac, imageName, ackType, topic string, payload []byte, success bool, errText string) {
}

func (f *fakeRPC) LogDuplicateImage(ctx context.Context, mac, imageName string) {}

func (f *fakeRPC) LookupImageRecord(ctx context.Context, deviceID, imageName string) (string, string, error) {
	return "", "", nil
}

func (f *fakeRPC) UpdateImageRecordDirect(ctx context.Context, imageID string, update rpcclient.ImageRecordUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recordUpdates = append(f.recordUpdates, update)
	return nil
}

func (f *fakeRPC) InsertImageRecordDirect(ctx context.Context, rec rpcclient.ImageRecordInsert) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recordInserts = append(f.recordInserts, rec)
	return "img-" + rec.ImageName, nil
}

func (f *fakeRPC) insertedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.recordInserts))
	for _, rec := range f.recordInserts {
		names = append(names, rec.ImageName)
	}
	return names
}

func (f *fakeRPC) lastUpdate() *rpcclient.ImageRecordUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.recordUpdates) == 0 {
		return nil
	}
	u := f.recordUpdates[len(f.recordUpdates)-1]
	return &u
}

var errNoLineage = &noLineageErr{}

type noLineageErr struct{}

func (e *noLineageErr) Error() string { return "no lineage" }

type harness struct {
	engine   *Engine
	broker   *fakeBroker
	devices  *devicestore.Store
	sessions *sessionstore.Store
	chunks   *chunkstore.Store
	rpc      *fakeRPC
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	devices, err := devicestore.Open(devicestore.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("open devicestore: %v", err)
	}
	t.Cleanup(func() { devices.Close() })

	chunks, err := chunkstore.Open(chunkstore.Config{Path: ":memory:", TTL: time.Minute})
	if err != nil {
		t.Fatalf("open chunkstore: %v", err)
	}
	t.Cleanup(func() { chunks.Close() })

	queue, err := cmdqueue.Open(cmdqueue.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("open cmdqueue: %v", err)
	}
	t.Cleanup(func() { queue.Close() })

	sessions, err := sessionstore.New()
	if err != nil {
		t.Fatalf("new sessionstore: %v", err)
	}

	rpc := &fakeRPC{nextWake: time.Date(2026, 7, 31, 20, 0, 0, 0, time.UTC)}
	broker := &fakeBroker{}
	resolver := devicecontext.New(rpc, nil, log)
	scheduler := wake.New(rpc, "", log)
	dispatch := dispatcher.New(dispatcher.DefaultConfig(), queue, devices, broker, scheduler, log)
	uploader := newFakeUploader()
	final := finalizer.New(chunks, sessions, uploader, broker, rpc, scheduler, log)
	locks := devicelock.New(log)

	engine := New(devices, sessions, chunks, resolver, dispatch, final, broker, rpc, locks, log)

	return &harness{engine: engine, broker: broker, devices: devices, sessions: sessions, chunks: chunks, rpc: rpc}
}

func (h *harness) send(t *testing.T, ctx context.Context, mac string, kind MessageKind, payload map[string]any) {
	t.Helper()
	encoded, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	if err := h.engine.HandleMessage(ctx, InboundMessage{DeviceMAC: mac, Kind: kind, Payload: encoded}); err != nil {
		t.Fatalf("handle message: %v", err)
	}
}

func chunkPayload(idx int, data []byte) map[string]any {
	return map[string]any{
		"device_id":  "B8F862F9C1C4",
		"image_name": "img1",
		"chunk_id":   idx,
		"payload":    base64.StdEncoding.EncodeToString(data),
	}
}

func jpegBytes(n int, marker byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = marker
	}
	return b
}

// TestHappyCapture: HELLO(pending=0), fresh capture,
// three chunks, finalize, and a terminal ACK_OK carrying next_wake_time.
func TestHappyCapture(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	mac := "B8F862F9C1C4"

	h.send(t, ctx, mac, KindStatus, map[string]any{
		"device_id": mac, "status": "alive", "pendingImg": 0,
	})
	if n := h.broker.commandsOfType("capture_image"); n != 1 {
		t.Fatalf("expected exactly one capture_image command, got %d", n)
	}

	h.send(t, ctx, mac, KindData, map[string]any{
		"device_id": mac, "image_name": "img1", "image_size": 30,
		"timestamp": "2026-07-31T00:00:00Z", "total_chunk_count": 3,
		"sensor_data": map[string]any{"temperature": 20.0},
	})

	chunk0 := append([]byte{0xFF, 0xD8, 0xFF}, jpegBytes(5, 0x01)...)
	h.send(t, ctx, mac, KindData, chunkPayload(0, chunk0))
	h.send(t, ctx, mac, KindData, chunkPayload(1, jpegBytes(8, 0x02)))
	h.send(t, ctx, mac, KindData, chunkPayload(2, append(jpegBytes(5, 0x03), 0xFF, 0xD9)))

	ack := h.broker.lastAck()
	if ack == nil {
		t.Fatal("expected a terminal ACK_OK to have been published")
	}
	okField, ok := ack["ACK_OK"].(map[string]any)
	if !ok {
		t.Fatalf("ACK_OK missing or wrong shape: %#v", ack)
	}
	nextWake, _ := okField["next_wake_time"].(string)
	if !nextWakePattern.MatchString(nextWake) {
		t.Fatalf("next_wake_time %q does not match required format", nextWake)
	}

	sess, err := h.sessions.GetSession(mac)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess != nil {
		t.Fatalf("expected session to be removed after terminal ACK, got %+v", sess)
	}

	complete, err := h.chunks.Completeness(ctx, mac, "img1", 3)
	if err != nil {
		t.Fatalf("completeness: %v", err)
	}
	if complete {
		t.Fatal("expected chunk rows to be cleared after finalize")
	}
}

// TestDrainPendingBacklog: a HELLO announcing two
// pending images drains both before a fresh capture_image is issued, and
// only one capture_image is ever published for the whole cycle.
func TestDrainPendingBacklog(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	mac := "98A316F82928"

	h.send(t, ctx, mac, KindStatus, map[string]any{
		"device_id": mac, "status": "alive", "pendingImg": 2,
		"pending_list": []any{"A", "B"},
	})
	if n := h.broker.commandsOfType("send_all_pending"); n != 1 {
		t.Fatalf("expected one send_all_pending command, got %d", n)
	}
	if names := h.rpc.insertedNames(); len(names) != 2 || names[0] != "A" || names[1] != "B" {
		t.Fatalf("expected pending image records upserted for A and B, got %v", names)
	}
	if n := h.broker.commandsOfType("capture_image"); n != 0 {
		t.Fatalf("expected no capture_image during drain announcement, got %d", n)
	}

	sendImage := func(name string) {
		h.send(t, ctx, mac, KindData, map[string]any{
			"device_id": mac, "image_name": name, "image_size": 10,
			"timestamp": "2026-07-31T00:00:00Z", "total_chunk_count": 1,
		})
		h.send(t, ctx, mac, KindData, chunkPayloadFor(mac, name, 0, append([]byte{0xFF, 0xD8, 0xFF}, 0xFF, 0xD9)))
	}

	sendImage("A")
	sendImage("B")

	if n := h.broker.commandsOfType("capture_image"); n != 1 {
		t.Fatalf("expected exactly one capture_image after drain completed, got %d", n)
	}

	sendImage("C")

	ack := h.broker.lastAck()
	okField, ok := ack["ACK_OK"].(map[string]any)
	if !ok || okField["next_wake_time"] == nil {
		t.Fatalf("expected final ACK_OK to carry next_wake_time, got %#v", ack)
	}

	if n := h.broker.commandsOfType("capture_image"); n != 1 {
		t.Fatalf("expected exactly one capture_image for the whole cycle, got %d", n)
	}
}

func chunkPayloadFor(mac, name string, idx int, data []byte) map[string]any {
	return map[string]any{
		"device_id": mac, "image_name": name, "chunk_id": idx,
		"payload": base64.StdEncoding.EncodeToString(data),
	}
}

// TestDuplicateMetadataMidTransfer: a
// re-delivered metadata message with identical total_chunks/captured_at
// does not clear progress already received.
func TestDuplicateMetadataMidTransfer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	mac := "AABBCCDDEEFF"

	metadata := map[string]any{
		"device_id": mac, "image_name": "img1", "image_size": 50,
		"timestamp": "2026-07-31T00:00:00Z", "total_chunk_count": 5,
	}
	h.send(t, ctx, mac, KindData, metadata)
	h.send(t, ctx, mac, KindData, chunkPayloadFor(mac, "img1", 0, append([]byte{0xFF, 0xD8, 0xFF}, jpegBytes(3, 1)...)))
	h.send(t, ctx, mac, KindData, chunkPayloadFor(mac, "img1", 1, jpegBytes(4, 2)))

	before, err := h.chunks.CountReceived(ctx, mac, "img1")
	if err != nil {
		t.Fatalf("count received: %v", err)
	}

	h.send(t, ctx, mac, KindData, metadata) // identical re-delivery

	after, err := h.chunks.CountReceived(ctx, mac, "img1")
	if err != nil {
		t.Fatalf("count received: %v", err)
	}
	if after != before {
		t.Fatalf("duplicate metadata changed received count: before=%d after=%d", before, after)
	}

	h.send(t, ctx, mac, KindData, chunkPayloadFor(mac, "img1", 2, jpegBytes(4, 3)))
	h.send(t, ctx, mac, KindData, chunkPayloadFor(mac, "img1", 3, jpegBytes(4, 4)))
	h.send(t, ctx, mac, KindData, chunkPayloadFor(mac, "img1", 4, append(jpegBytes(4, 5), 0xFF, 0xD9)))

	if h.broker.lastAck() == nil {
		t.Fatal("expected eventual finalize to succeed after duplicate metadata")
	}
}

// TestUnknownDeviceAutoProvision: a HELLO from a MAC
// never seen before creates a pending_mapping device row.
func TestUnknownDeviceAutoProvision(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	mac := "B8F862F9C1C4"

	h.send(t, ctx, mac, KindStatus, map[string]any{
		"device_id": mac, "status": "alive", "pendingImg": 0,
	})

	device, err := h.devices.GetByMAC(ctx, mac)
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if device.ProvisioningState != model.ProvisioningPendingMapping {
		t.Fatalf("expected pending_mapping, got %s", device.ProvisioningState)
	}
	if device.DeviceCode == "" {
		t.Fatal("expected a device_code to be assigned")
	}
}

// TestOutOfOrderChunksWithGap: chunks [0,2,3] arrive
// for a 4-chunk image; the missing-chunk timer (exercised directly here
// rather than waiting out its 15s wall-clock delay) publishes exactly one
// missing_chunks request for index 1, and receiving it finalizes the image.
func TestOutOfOrderChunksWithGap(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	mac := "112233445566"

	h.send(t, ctx, mac, KindStatus, map[string]any{
		"device_id": mac, "status": "alive", "pendingImg": 0,
	})
	h.send(t, ctx, mac, KindData, map[string]any{
		"device_id": mac, "image_name": "img1", "image_size": 10,
		"timestamp": "2026-07-31T00:00:00Z", "total_chunk_count": 4,
	})
	h.send(t, ctx, mac, KindData, chunkPayloadFor(mac, "img1", 0, append([]byte{0xFF, 0xD8, 0xFF}, jpegBytes(3, 1)...)))
	h.send(t, ctx, mac, KindData, chunkPayloadFor(mac, "img1", 2, jpegBytes(3, 3)))
	h.send(t, ctx, mac, KindData, chunkPayloadFor(mac, "img1", 3, append(jpegBytes(3, 4), 0xFF, 0xD9)))

	if h.broker.lastAck() != nil {
		t.Fatal("did not expect a finalize before the missing chunk has arrived")
	}

	h.engine.onMissingChunkTimer(mac, "img1")

	if n := h.broker.commandsOfType("missing_chunks"); n != 1 {
		t.Fatalf("expected exactly one missing_chunks request, got %d", n)
	}
	missingCmd := h.broker.commands[len(h.broker.commands)-1]
	missing, _ := missingCmd["missing_chunks"].([]any)
	if len(missing) != 1 {
		t.Fatalf("expected missing_chunks to list index 1 only, got %#v", missing)
	}

	h.send(t, ctx, mac, KindData, chunkPayloadFor(mac, "img1", 1, jpegBytes(3, 2)))

	if h.broker.lastAck() == nil {
		t.Fatal("expected finalize once the missing chunk arrives")
	}
}

// TestMissingChunkTimerWithoutSessionMarksIncomplete: the timer fires after
// the session has already been reaped, so instead of a retransmit request
// the image record is marked incomplete with the missing-index list.
func TestMissingChunkTimerWithoutSessionMarksIncomplete(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	mac := "112233445566"

	h.send(t, ctx, mac, KindStatus, map[string]any{
		"device_id": mac, "status": "alive", "pendingImg": 0,
	})
	h.send(t, ctx, mac, KindData, map[string]any{
		"device_id": mac, "image_name": "img1", "image_size": 10,
		"timestamp": "2026-07-31T00:00:00Z", "total_chunk_count": 2,
	})
	h.send(t, ctx, mac, KindData, chunkPayloadFor(mac, "img1", 0, append([]byte{0xFF, 0xD8, 0xFF}, jpegBytes(3, 1)...)))

	if err := h.sessions.DeleteSession(mac); err != nil {
		t.Fatalf("delete session: %v", err)
	}

	h.engine.onMissingChunkTimer(mac, "img1")

	if n := h.broker.commandsOfType("missing_chunks"); n != 0 {
		t.Fatalf("expected no retransmit request without a session, got %d", n)
	}
	update := h.rpc.lastUpdate()
	if update == nil || update.Status != string(model.ImageIncomplete) {
		t.Fatalf("expected image record marked incomplete, got %+v", update)
	}
	if len(update.MissingChunks) != 1 || update.MissingChunks[0] != 1 {
		t.Fatalf("expected missing_chunks=[1] on the incomplete record, got %v", update.MissingChunks)
	}
}
