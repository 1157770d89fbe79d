package finalizer

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/fleetcam/devicegateway/internal/chunkstore"
	"github.com/fleetcam/devicegateway/internal/model"
	"github.com/fleetcam/devicegateway/internal/rpcclient"
	"github.com/fleetcam/devicegateway/internal/sessionstore"
	"github.com/fleetcam/devicegateway/internal/storage"
	"github.com/fleetcam/devicegateway/internal/wake"
	"github.com/sirupsen/logrus"
)

type fakeUploader struct {
	failUpload bool
	uploaded   map[string][]byte
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{uploaded: make(map[string][]byte)}
}

func (f *fakeUploader) UploadImage(ctx context.Context, key string, data []byte) (*storage.UploadResult, error) {
	if f.failUpload {
		return nil, &testErr{"upload failed"}
	}
	f.uploaded[key] = data
	return &storage.UploadResult{Key: key, SizeBytes: int64(len(data))}, nil
}

func (f *fakeUploader) PublicURL(key string) string {
	return "https://example-bucket.s3.amazonaws.com/" + key
}

type testErr struct{ msg string }

func (e *testErr) Error() string { return e.msg }

type fakeCommander struct {
	published [][]byte
}

func (f *fakeCommander) PublishCommand(deviceMAC string, payload []byte) error {
	f.published = append(f.published, payload)
	return nil
}

// directUpdate is one recorded UpdateImageRecordDirect call.
type directUpdate struct {
	imageID string
	update  rpcclient.ImageRecordUpdate
}

type fakeRPC struct {
	rpcclient.Client
	buildPathErr       error
	imageCompletionErr error
	nextWake           time.Time

	lookupID     string
	lookupStatus string
	updates      []directUpdate
	inserts      []rpcclient.ImageRecordInsert
}

func (f *fakeRPC) BuildDeviceImagePath(ctx context.Context, companyID, siteID, deviceMAC, imageName string) (string, error) {
	if f.buildPathErr != nil {
		return "", f.buildPathErr
	}
	return companyID + "/" + siteID + "/" + deviceMAC + "/" + imageName, nil
}

func (f *fakeRPC) ImageCompletion(ctx context.Context, imageID, imageURL string) (*rpcclient.ImageCompletionResult, error) {
	if f.imageCompletionErr != nil {
		return nil, f.imageCompletionErr
	}
	return &rpcclient.ImageCompletionResult{Success: true, ImageID: imageID}, nil
}

func (f *fakeRPC) CalculateNextWake(ctx context.Context, cronExpression string, from time.Time) (time.Time, error) {
	return f.nextWake, nil
}

func (f *fakeRPC) EvaluateAlerts(ctx context.Context, deviceID, sessionID, observationID string) {}

func (f *fakeRPC) LookupImageRecord(ctx context.Context, deviceID, imageName string) (string, string, error) {
	return f.lookupID, f.lookupStatus, nil
}

func (f *fakeRPC) UpdateImageRecordDirect(ctx context.Context, imageID string, update rpcclient.ImageRecordUpdate) error {
	f.updates = append(f.updates, directUpdate{imageID: imageID, update: update})
	return nil
}

func (f *fakeRPC) InsertImageRecordDirect(ctx context.Context, rec rpcclient.ImageRecordInsert) (string, error) {
	f.inserts = append(f.inserts, rec)
	return "img-direct-1", nil
}

func newHarness(t *testing.T) (*Finalizer, *chunkstore.Store, *sessionstore.Store, *fakeUploader, *fakeCommander, *fakeRPC) {
	t.Helper()
	chunks, err := chunkstore.Open(chunkstore.Config{Path: ":memory:", TTL: time.Minute})
	if err != nil {
		t.Fatalf("open chunkstore: %v", err)
	}
	t.Cleanup(func() { chunks.Close() })

	sessions, err := sessionstore.New()
	if err != nil {
		t.Fatalf("new sessionstore: %v", err)
	}

	uploader := newFakeUploader()
	commander := &fakeCommander{}
	log := logrus.New()
	log.SetOutput(io.Discard)
	rpc := &fakeRPC{nextWake: time.Now().UTC().Add(8 * time.Hour)}
	sched := wake.New(rpc, "", log)

	f := New(chunks, sessions, uploader, commander, rpc, sched, log)
	return f, chunks, sessions, uploader, commander, rpc
}

func validJPEG() []byte {
	body := []byte{0xFF, 0xD8, 0xFF, 0x01, 0x02, 0x03, 0xFF, 0xD9}
	return body
}

func TestFinalizeNoopWhenAlreadyCompleted(t *testing.T) {
	f, _, _, _, _, _ := newHarness(t)
	assembly := &model.ImageAssembly{DeviceMAC: "AABBCCDDEEFF", ImageName: "img.jpg", Completed: true}

	outcome, err := f.Finalize(context.Background(), assembly, nil, nil, "")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if outcome.Status != StatusNoop {
		t.Fatalf("expected noop, got %q", outcome.Status)
	}
}

func TestFinalizeMissingChunksPublishesRequest(t *testing.T) {
	f, chunks, _, _, commander, rpc := newHarness(t)
	ctx := context.Background()
	mac, name := "AABBCCDDEEFF", "img.jpg"

	if _, err := chunks.Store(ctx, mac, name, 0, []byte("chunk0")); err != nil {
		t.Fatalf("store: %v", err)
	}

	assembly := &model.ImageAssembly{DeviceMAC: mac, ImageName: name, Metadata: model.ImageMetadata{TotalChunks: 2}, ImageID: "image-1"}
	outcome, err := f.Finalize(ctx, assembly, nil, nil, "")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if outcome.Status != StatusMissingChunks {
		t.Fatalf("expected missing_chunks, got %q", outcome.Status)
	}
	if len(commander.published) != 1 {
		t.Fatalf("expected 1 missing_chunks publish, got %d", len(commander.published))
	}
	var payload struct {
		MissingChunks []int `json:"missing_chunks"`
	}
	if err := json.Unmarshal(commander.published[0], &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if len(payload.MissingChunks) != 1 || payload.MissingChunks[0] != 1 {
		t.Fatalf("got %v, want [1]", payload.MissingChunks)
	}

	if len(rpc.updates) != 1 {
		t.Fatalf("expected 1 direct record update, got %d", len(rpc.updates))
	}
	u := rpc.updates[0]
	if u.imageID != "image-1" || u.update.Status != string(model.ImageReceiving) || !u.update.IncrementRetry {
		t.Fatalf("expected receiving+retry update for image-1, got %+v", u)
	}
	if u.update.ReceivedChunks == nil || *u.update.ReceivedChunks != 1 {
		t.Fatalf("expected received_chunks=1, got %+v", u.update.ReceivedChunks)
	}
}

func TestFinalizeUploadFailureMarksRecordFailed(t *testing.T) {
	f, chunks, _, uploader, _, rpc := newHarness(t)
	uploader.failUpload = true
	ctx := context.Background()
	mac, name := "AABBCCDDEEFF", "img.jpg"

	if _, err := chunks.Store(ctx, mac, name, 0, validJPEG()); err != nil {
		t.Fatalf("store: %v", err)
	}

	assembly := &model.ImageAssembly{DeviceMAC: mac, ImageName: name, Metadata: model.ImageMetadata{TotalChunks: 1}, ImageID: "image-1"}
	outcome, err := f.Finalize(ctx, assembly, nil, nil, "")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if outcome.Status != StatusUploadFailed {
		t.Fatalf("expected upload_failed, got %q", outcome.Status)
	}

	if len(rpc.updates) != 1 {
		t.Fatalf("expected 1 direct record update, got %d", len(rpc.updates))
	}
	u := rpc.updates[0]
	if u.imageID != "image-1" || u.update.Status != string(model.ImageFailed) {
		t.Fatalf("expected failed update for image-1, got %+v", u)
	}
	if u.update.ErrorCode == nil || *u.update.ErrorCode != 1 {
		t.Fatalf("expected error_code=1, got %+v", u.update.ErrorCode)
	}
}

func TestFinalizeCompletionRPCFailureFallsBackToDirectUpdate(t *testing.T) {
	f, chunks, _, _, _, rpc := newHarness(t)
	rpc.imageCompletionErr = &testErr{"handler unavailable"}
	ctx := context.Background()
	mac, name := "AABBCCDDEEFF", "img.jpg"

	if _, err := chunks.Store(ctx, mac, name, 0, validJPEG()); err != nil {
		t.Fatalf("store: %v", err)
	}

	assembly := &model.ImageAssembly{DeviceMAC: mac, ImageName: name, Metadata: model.ImageMetadata{TotalChunks: 1}, ImageID: "image-1"}
	outcome, err := f.Finalize(ctx, assembly, nil, nil, "")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if outcome.Status != StatusCompleted {
		t.Fatalf("expected completed via direct fallback, got %q", outcome.Status)
	}

	if len(rpc.updates) != 1 {
		t.Fatalf("expected 1 direct completion update, got %d", len(rpc.updates))
	}
	u := rpc.updates[0]
	if u.imageID != "image-1" || u.update.Status != string(model.ImageComplete) {
		t.Fatalf("expected complete update for image-1, got %+v", u)
	}
	if u.update.ImageURL == "" || !u.update.MarkReceived {
		t.Fatalf("expected image_url and received_at on the fallback update, got %+v", u.update)
	}
}

func TestFinalizeInsertsRecordWhenUnknownToDatabase(t *testing.T) {
	f, chunks, _, _, _, rpc := newHarness(t)
	ctx := context.Background()
	mac, name := "AABBCCDDEEFF", "img.jpg"

	if _, err := chunks.Store(ctx, mac, name, 0, validJPEG()); err != nil {
		t.Fatalf("store: %v", err)
	}

	// No prior ImageID on the assembly and no row found by lookup: the
	// fallback must insert a new complete record directly.
	assembly := &model.ImageAssembly{DeviceMAC: mac, ImageName: name, Metadata: model.ImageMetadata{TotalChunks: 1}}
	lineage := &model.DeviceLineage{DeviceID: "dev-1", CompanyID: "company-1", ProgramID: "program-1", SiteID: "site-1"}
	outcome, err := f.Finalize(ctx, assembly, nil, lineage, "")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if outcome.Status != StatusCompleted {
		t.Fatalf("expected completed via direct insert, got %q", outcome.Status)
	}

	if len(rpc.inserts) != 1 {
		t.Fatalf("expected 1 direct insert, got %d", len(rpc.inserts))
	}
	rec := rpc.inserts[0]
	if rec.DeviceID != "dev-1" || rec.ImageName != name || rec.Status != string(model.ImageComplete) {
		t.Fatalf("unexpected inserted record: %+v", rec)
	}
	if assembly.ImageID != "img-direct-1" {
		t.Fatalf("expected assembly to adopt the inserted id, got %q", assembly.ImageID)
	}
}

func TestFinalizePersistFailureWithoutImageIDOrLineage(t *testing.T) {
	f, chunks, _, _, _, _ := newHarness(t)
	ctx := context.Background()
	mac, name := "AABBCCDDEEFF", "img.jpg"

	if _, err := chunks.Store(ctx, mac, name, 0, validJPEG()); err != nil {
		t.Fatalf("store: %v", err)
	}

	assembly := &model.ImageAssembly{DeviceMAC: mac, ImageName: name, Metadata: model.ImageMetadata{TotalChunks: 1}}
	outcome, err := f.Finalize(ctx, assembly, nil, nil, "")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if outcome.Status != StatusPersistFailed {
		t.Fatalf("expected persist_failed when completion cannot be recorded, got %q", outcome.Status)
	}
	if assembly.Completed {
		t.Fatal("assembly must not be marked completed when persistence failed")
	}
}

func TestFinalizeCompletedHappyPath(t *testing.T) {
	f, chunks, sessions, uploader, _, rpc := newHarness(t)
	ctx := context.Background()
	mac, name := "AABBCCDDEEFF", "img.jpg"

	if _, err := chunks.Store(ctx, mac, name, 0, validJPEG()); err != nil {
		t.Fatalf("store: %v", err)
	}

	assembly := &model.ImageAssembly{DeviceMAC: mac, ImageName: name, Metadata: model.ImageMetadata{TotalChunks: 1}, ImageID: "image-1"}
	device := &model.Device{MAC: mac, WakeSchedule: "", CompanyID: "company-1", SiteID: "site-1"}
	lineage := &model.DeviceLineage{DeviceID: "dev-1", CompanyID: "company-1", ProgramID: "program-1", SiteID: "site-1"}

	outcome, err := f.Finalize(ctx, assembly, device, lineage, "")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if outcome.Status != StatusCompleted {
		t.Fatalf("expected completed, got %q", outcome.Status)
	}
	if outcome.NextWake.Rendered == "" {
		t.Fatal("expected rendered next wake time")
	}
	if len(uploader.uploaded) != 1 {
		t.Fatalf("expected 1 uploaded object, got %d", len(uploader.uploaded))
	}

	count, err := chunks.CountReceived(ctx, mac, name)
	if err != nil {
		t.Fatalf("count received: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected chunk namespace cleared, got %d remaining", count)
	}

	if !assembly.Completed {
		t.Fatal("expected assembly marked completed")
	}
	if !sessions.IsSuppressed(assembly.Key(), 5*time.Minute, time.Now().UTC()) {
		t.Fatal("expected completed-image suppression window armed")
	}
	if len(rpc.updates) != 0 || len(rpc.inserts) != 0 {
		t.Fatalf("expected no direct writes when the completion RPC succeeds, got %d updates / %d inserts", len(rpc.updates), len(rpc.inserts))
	}
}
