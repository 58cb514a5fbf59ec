// Package store defines the persistence boundary the relay core consumes.
// The SQL-backed implementation, the HTTP API that populates it, and
// account/charger CRUD are out of scope for this module (see spec.md ยง1);
// this package only names the shape the core needs.
package store

import (
	"context"
	"fmt"
	"net/netip"
	"sync"

	"github.com/google/uuid"

	"github.com/gridlink/relay/internal/wgkey"
)

// Charger is the persistent, mostly read-only record the core consumes.
// The core never mutates a Charger except through RecordLastSeenIP.
type Charger struct {
	ID int32

	// ServerPrivate is this server's half of the management tunnel keypair
	// for this specific charger (each charger gets a distinct server key).
	ServerPrivate wgkey.Key
	// ChargerPublic is the charger's public key.
	ChargerPublic wgkey.Key
	// Preshared is the WireGuard preshared key for this charger's tunnel.
	Preshared wgkey.Key

	// ServerInnerIP and ChargerInnerIP are the /32 addresses used inside
	// the management tunnel.
	ServerInnerIP  netip.Addr
	ChargerInnerIP netip.Addr

	// LastSeenIP is the most recently observed public UDP endpoint,
	// learned from the HTTP management PUT (see spec.md ยง6).
	LastSeenIP netip.Addr
}

// Slot is one of a browser account's pre-provisioned inner-tunnel keypairs.
type Slot struct {
	KeyID      uuid.UUID
	OwnerID    uuid.UUID
	ChargerID  int32
	Private    wgkey.Key
	InUse      bool
	PeerPort   uint16
	PeerAddr   netip.Addr
}

// ErrNotFound is returned when a lookup finds no matching record.
var ErrNotFound = fmt.Errorf("store: not found")

// ErrSlotInUse is returned by Acquire when the slot is already checked out.
var ErrSlotInUse = fmt.Errorf("store: slot already in use")

// ChargerStore resolves candidate chargers for an inbound datagram's source
// address and records the charger's currently observed public endpoint.
type ChargerStore interface {
	// CandidatesForAddr returns every charger this server has previously
	// associated with addr (from a prior HTTP management PUT or a prior
	// successful tunnel), used to seed trial decryption.
	CandidatesForAddr(ctx context.Context, addr netip.Addr) ([]Charger, error)
	// ByID looks up a single charger by its primary key.
	ByID(ctx context.Context, id int32) (Charger, error)
	// RecordLastSeenIP updates the charger's last known public endpoint.
	RecordLastSeenIP(ctx context.Context, id int32, addr netip.Addr) error
}

// SlotStore manages the fixed pool of pre-provisioned browser key slots.
type SlotStore interface {
	// Acquire marks a slot in-use for the lifetime of a WebSocket session.
	Acquire(ctx context.Context, keyID uuid.UUID, owner uuid.UUID) (Slot, error)
	// Release returns a slot to the pool when its WebSocket closes.
	Release(ctx context.Context, keyID uuid.UUID) error
}

// Memory is an in-memory ChargerStore + SlotStore used by tests and by
// standalone demo deployments. It is safe for concurrent use.
type Memory struct {
	mu       sync.Mutex
	chargers map[int32]Charger
	byAddr   map[netip.Addr][]int32
	slots    map[uuid.UUID]Slot
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		chargers: make(map[int32]Charger),
		byAddr:   make(map[netip.Addr][]int32),
		slots:    make(map[uuid.UUID]Slot),
	}
}

// PutCharger inserts or replaces a charger record and indexes it under its
// current LastSeenIP, if set.
func (m *Memory) PutCharger(c Charger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chargers[c.ID] = c
	if c.LastSeenIP.IsValid() {
		m.indexAddrLocked(c.LastSeenIP, c.ID)
	}
}

// PutSlot inserts or replaces a slot record.
func (m *Memory) PutSlot(s Slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots[s.KeyID] = s
}

func (m *Memory) indexAddrLocked(addr netip.Addr, id int32) {
	ids := m.byAddr[addr]
	for _, existing := range ids {
		if existing == id {
			return
		}
	}
	m.byAddr[addr] = append(ids, id)
}

func (m *Memory) CandidatesForAddr(_ context.Context, addr netip.Addr) ([]Charger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.byAddr[addr]
	out := make([]Charger, 0, len(ids))
	for _, id := range ids {
		if c, ok := m.chargers[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *Memory) ByID(_ context.Context, id int32) (Charger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chargers[id]
	if !ok {
		return Charger{}, ErrNotFound
	}
	return c, nil
}

func (m *Memory) RecordLastSeenIP(_ context.Context, id int32, addr netip.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chargers[id]
	if !ok {
		return ErrNotFound
	}
	c.LastSeenIP = addr
	m.chargers[id] = c
	m.indexAddrLocked(addr, id)
	return nil
}

func (m *Memory) Acquire(_ context.Context, keyID uuid.UUID, owner uuid.UUID) (Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[keyID]
	if !ok {
		return Slot{}, ErrNotFound
	}
	if s.InUse {
		return Slot{}, ErrSlotInUse
	}
	if s.OwnerID != owner {
		return Slot{}, ErrNotFound
	}
	s.InUse = true
	m.slots[keyID] = s
	return s, nil
}

func (m *Memory) Release(_ context.Context, keyID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[keyID]
	if !ok {
		return nil
	}
	s.InUse = false
	m.slots[keyID] = s
	return nil
}
