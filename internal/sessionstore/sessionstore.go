// Package sessionstore holds the gateway's per-device in-memory state: the
// Session map keyed by canonical MAC and the ImageAssembly map keyed by
// (MAC, image_name). It is backed by hashicorp/go-memdb for indexed
// lookup instead of hand-rolled maps-plus-mutex, and exposes the
// completed-image suppression set and the per-image missing-chunk timer
// registry that the session engine depends on.
package sessionstore

import (
	"sync"
	"time"

	"github.com/benbjohnson/immutable"
	"github.com/fleetcam/devicegateway/internal/model"
	"github.com/hashicorp/go-memdb"
)

const (
	tableSessions   = "session"
	tableAssemblies = "assembly"
)

func newSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableSessions: {
				Name: tableSessions,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "DeviceMAC"},
					},
				},
			},
			tableAssemblies: {
				Name: tableAssemblies,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:   "id",
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "DeviceMAC"},
								&memdb.StringFieldIndex{Field: "ImageName"},
							},
						},
					},
					"device_mac": {
						Name:    "device_mac",
						Indexer: &memdb.StringFieldIndex{Field: "DeviceMAC"},
					},
				},
			},
		},
	}
}

// Store is the gateway's in-memory session/assembly state, plus the
// completed-image suppression set and missing-chunk timers that ride along
// with it.
type Store struct {
	db *memdb.MemDB

	mu        sync.Mutex
	completed map[model.AssemblyKey]time.Time
	timers    map[model.AssemblyKey]*time.Timer
}

// New builds an empty session/assembly store.
func New() (*Store, error) {
	db, err := memdb.NewMemDB(newSchema())
	if err != nil {
		return nil, err
	}
	return &Store{
		db:        db,
		completed: make(map[model.AssemblyKey]time.Time),
		timers:    make(map[model.AssemblyKey]*time.Timer),
	}, nil
}

// PutSession inserts or replaces a device's session.
func (s *Store) PutSession(sess *model.Session) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(tableSessions, sess); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// GetSession returns the session for deviceMAC, or nil if none exists.
func (s *Store) GetSession(deviceMAC string) (*model.Session, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(tableSessions, "id", deviceMAC)
	if err != nil || raw == nil {
		return nil, err
	}
	return raw.(*model.Session), nil
}

// DeleteSession removes a device's session, if present, e.g. when the
// conversation concludes with a terminal ACK.
func (s *Store) DeleteSession(deviceMAC string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	sess, err := txn.First(tableSessions, "id", deviceMAC)
	if err != nil {
		return err
	}
	if sess == nil {
		return nil
	}
	if err := txn.Delete(tableSessions, sess); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// IdleSessions returns every session idle longer than d as of now, for the
// 60s background sweeper.
func (s *Store) IdleSessions(d time.Duration, now time.Time) ([]*model.Session, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableSessions, "id")
	if err != nil {
		return nil, err
	}

	var idle []*model.Session
	for raw := it.Next(); raw != nil; raw = it.Next() {
		sess := raw.(*model.Session)
		if sess.Idle(d, now) {
			idle = append(idle, sess)
		}
	}
	return idle, nil
}

// AllSessions lists every currently-active session, for the operator debug
// surface (gatewayctl monitor) rather than anything on the device path.
func (s *Store) AllSessions() ([]*model.Session, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(tableSessions, "id")
	if err != nil {
		return nil, err
	}
	var out []*model.Session
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*model.Session))
	}
	return out, nil
}

// PutAssembly inserts or replaces an in-flight image reassembly.
func (s *Store) PutAssembly(a *model.ImageAssembly) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(tableAssemblies, a); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// GetAssembly returns the assembly for (deviceMAC, imageName), or nil.
func (s *Store) GetAssembly(deviceMAC, imageName string) (*model.ImageAssembly, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(tableAssemblies, "id", deviceMAC, imageName)
	if err != nil || raw == nil {
		return nil, err
	}
	return raw.(*model.ImageAssembly), nil
}

// DeleteAssembly removes an assembly, e.g. after its 5-minute post-complete
// eviction window elapses.
func (s *Store) DeleteAssembly(deviceMAC, imageName string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(tableAssemblies, "id", deviceMAC, imageName)
	if err != nil {
		return err
	}
	if raw == nil {
		return nil
	}
	if err := txn.Delete(tableAssemblies, raw); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// AssembliesForDevice lists every in-flight assembly for one device.
func (s *Store) AssembliesForDevice(deviceMAC string) ([]*model.ImageAssembly, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(tableAssemblies, "device_mac", deviceMAC)
	if err != nil {
		return nil, err
	}
	var out []*model.ImageAssembly
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*model.ImageAssembly))
	}
	return out, nil
}

// MarkCompleted records that (deviceMAC, imageName) finished finalizing at
// now, starting the 5-minute stray-chunk suppression window.
func (s *Store) MarkCompleted(key model.AssemblyKey, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed[key] = now
}

// IsSuppressed reports whether key finished within window of now, meaning
// any further chunks for it should be silently dropped.
func (s *Store) IsSuppressed(key model.AssemblyKey, window time.Duration, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	completedAt, ok := s.completed[key]
	if !ok {
		return false
	}
	return now.Sub(completedAt) <= window
}

// SweepCompleted evicts suppression entries older than window, returning
// the evicted keys so the periodic sweeper can drop the matching (by now
// long-finalized) assemblies from the in-memory map as well.
func (s *Store) SweepCompleted(window time.Duration, now time.Time) []model.AssemblyKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	var evicted []model.AssemblyKey
	for key, at := range s.completed {
		if now.Sub(at) > window {
			delete(s.completed, key)
			evicted = append(evicted, key)
		}
	}
	return evicted
}

// ArmMissingChunkTimer (re)starts the 15-second missing-chunk inactivity
// timer for key, cancelling any previously running timer for the same key
// first.
func (s *Store) ArmMissingChunkTimer(key model.AssemblyKey, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.timers[key]; ok {
		existing.Stop()
	}
	s.timers[key] = time.AfterFunc(delay, fn)
}

// CancelMissingChunkTimer stops and forgets key's timer, e.g. on finalize.
func (s *Store) CancelMissingChunkTimer(key model.AssemblyKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.timers[key]; ok {
		existing.Stop()
		delete(s.timers, key)
	}
}

// ReceivedIndexSnapshot is an immutable point-in-time view of which chunk
// indices have been seen for one image, used by the missing-chunk timer
// callback to compute a missing list without holding the store's write
// lock during that computation.
type ReceivedIndexSnapshot struct {
	indices *immutable.SortedMap[int, bool]
}

// NewReceivedIndexSnapshot builds a snapshot from a slice of stored indices
// (as returned by the chunk store).
func NewReceivedIndexSnapshot(stored []int) ReceivedIndexSnapshot {
	b := immutable.NewSortedMapBuilder[int, bool](nil)
	for _, idx := range stored {
		b.Set(idx, true)
	}
	return ReceivedIndexSnapshot{indices: b.Map()}
}

// Missing returns the ascending set difference {0..total-1} \ received,
// matching the chunk store's own Missing semantics but computed off the
// snapshot.
func (r ReceivedIndexSnapshot) Missing(total int) []int {
	var missing []int
	for i := 0; i < total; i++ {
		if _, ok := r.indices.Get(i); !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// Len reports how many distinct indices the snapshot holds.
func (r ReceivedIndexSnapshot) Len() int {
	return r.indices.Len()
}
