// Package efasim simulates the device side of the EFA descriptor protocol. It
// consumes transmit and receive rings, moves payload between registered
// buffers and publishes completions, so the host side can be exercised
// without hardware.
package efasim

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rocketbitz/efa-go/efa"
	"github.com/rocketbitz/efa-go/internal/hostmem"
)

var (
	// ErrUnknownQP indicates a queue pair number that is not live on the device.
	ErrUnknownQP = errors.New("efasim: unknown queue pair")
	// ErrUnknownKey indicates an lkey that is not registered.
	ErrUnknownKey = errors.New("efasim: unknown memory key")
	// ErrUnknownAH indicates an address handle that does not exist.
	ErrUnknownAH = errors.New("efasim: unknown address handle")
	// ErrExhausted indicates the device ran out of keys, handles or queue numbers.
	ErrExhausted = errors.New("efasim: resources exhausted")
	// ErrClosed indicates the device has been closed.
	ErrClosed = errors.New("efasim: device closed")
)

const (
	firstIOVA = 0x0000_1000_0000_0000
)

// Options configures a simulated device.
type Options struct {
	// GID is the device address. A random GID is generated when zero.
	GID [16]byte
	// PageSizes controls registration granularity. Detected when empty.
	PageSizes hostmem.PageSizes
	Logger    *zap.Logger
}

// Fabric connects simulated devices so address handles can resolve to peers.
// All devices on a fabric share one lock; doorbells are processed
// synchronously while it is held.
type Fabric struct {
	mu      sync.Mutex
	devices map[[16]byte]*Device
}

// NewFabric returns an empty fabric.
func NewFabric() *Fabric {
	return &Fabric{devices: make(map[[16]byte]*Device)}
}

// Stats contains device counters.
type Stats struct {
	RegionsRegistered uint64
	QueuePairsCreated uint64
	SendsProcessed    uint64
	RecvsPosted       uint64
	Completions       uint64
	Errors            uint64
	Flushed           uint64
}

type deviceStats struct {
	regions     atomic.Uint64
	qps         atomic.Uint64
	sends       atomic.Uint64
	recvs       atomic.Uint64
	completions atomic.Uint64
	errors      atomic.Uint64
	flushed     atomic.Uint64
}

// Device is a simulated EFA device.
type Device struct {
	fabric *Fabric
	gid    [16]byte
	pages  hostmem.PageSizes
	log    *zap.Logger

	// Guarded by fabric.mu.
	closed   bool
	nextKey  uint32
	nextIOVA uint64
	regions  map[uint32]*region
	nextAH   uint16
	ahs      map[uint16][16]byte
	nextQPN  uint16
	qps      map[uint16]*queuePair
	injected map[uint16][]efa.Status

	stats deviceStats
}

type region struct {
	addr uint64
	buf  []byte
}

// New creates a device on a private fabric.
func New(opts Options) (*Device, error) {
	return NewFabric().NewDevice(opts)
}

// NewDevice attaches a new device to the fabric.
func (f *Fabric) NewDevice(opts Options) (*Device, error) {
	pages := opts.PageSizes
	if len(pages) == 0 {
		var err error
		if pages, err = hostmem.DetectPageSizes(); err != nil {
			return nil, err
		}
	}
	gid := opts.GID
	if gid == ([16]byte{}) {
		gid = uuid.New()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.devices[gid]; exists {
		return nil, fmt.Errorf("efasim: gid %x already attached", gid)
	}
	d := &Device{
		fabric:   f,
		gid:      gid,
		pages:    pages,
		log:      log.With(zap.String("gid", uuid.UUID(gid).String())),
		nextKey:  1,
		nextIOVA: firstIOVA,
		regions:  make(map[uint32]*region),
		nextAH:   0,
		ahs:      make(map[uint16][16]byte),
		nextQPN:  1,
		qps:      make(map[uint16]*queuePair),
		injected: make(map[uint16][]efa.Status),
	}
	f.devices[gid] = d
	return d, nil
}

// GID returns the device address.
func (d *Device) GID() [16]byte { return d.gid }

// Stats returns a snapshot of the device counters.
func (d *Device) Stats() Stats {
	return Stats{
		RegionsRegistered: d.stats.regions.Load(),
		QueuePairsCreated: d.stats.qps.Load(),
		SendsProcessed:    d.stats.sends.Load(),
		RecvsPosted:       d.stats.recvs.Load(),
		Completions:       d.stats.completions.Load(),
		Errors:            d.stats.errors.Load(),
		Flushed:           d.stats.flushed.Load(),
	}
}

// Register makes buf addressable by the device. The returned address is a
// simulated 48-bit IOVA; the key fits the 24-bit receive descriptor field.
func (d *Device) Register(buf []byte) (efa.MemoryRegion, error) {
	if len(buf) == 0 {
		return efa.MemoryRegion{}, fmt.Errorf("efasim: cannot register empty buffer")
	}
	d.fabric.mu.Lock()
	defer d.fabric.mu.Unlock()
	if d.closed {
		return efa.MemoryRegion{}, ErrClosed
	}
	if d.nextKey > efa.MaxRxLKey {
		return efa.MemoryRegion{}, fmt.Errorf("%w: memory keys", ErrExhausted)
	}
	_, span, err := hostmem.AlignRange(0, uint64(len(buf)), d.pages.Base())
	if err != nil {
		return efa.MemoryRegion{}, err
	}
	if d.nextIOVA+span > efa.MaxBufAddr {
		return efa.MemoryRegion{}, fmt.Errorf("%w: address space", ErrExhausted)
	}
	lkey := d.nextKey
	d.nextKey++
	r := &region{addr: d.nextIOVA, buf: buf}
	d.nextIOVA += span
	d.regions[lkey] = r
	d.stats.regions.Add(1)
	d.log.Debug("register", zap.Uint32("lkey", lkey), zap.Uint64("addr", r.addr), zap.Int("length", len(buf)))
	return efa.MemoryRegion{Addr: r.addr, LKey: lkey, Length: len(buf)}, nil
}

// Deregister removes a registration.
func (d *Device) Deregister(lkey uint32) error {
	d.fabric.mu.Lock()
	defer d.fabric.mu.Unlock()
	if _, ok := d.regions[lkey]; !ok {
		return fmt.Errorf("%w: 0x%x", ErrUnknownKey, lkey)
	}
	delete(d.regions, lkey)
	return nil
}

// CreateAH returns an address handle for the device with the given GID.
// Handles are per device; the same GID always maps to the same handle.
func (d *Device) CreateAH(gid [16]byte) (uint16, error) {
	d.fabric.mu.Lock()
	defer d.fabric.mu.Unlock()
	if d.closed {
		return 0, ErrClosed
	}
	if ah, ok := d.lookupAH(gid); ok {
		return ah, nil
	}
	if d.nextAH == efa.InvalidAH {
		return 0, fmt.Errorf("%w: address handles", ErrExhausted)
	}
	ah := d.nextAH
	d.nextAH++
	d.ahs[ah] = gid
	return ah, nil
}

// DestroyAH releases an address handle.
func (d *Device) DestroyAH(ah uint16) error {
	d.fabric.mu.Lock()
	defer d.fabric.mu.Unlock()
	if _, ok := d.ahs[ah]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownAH, ah)
	}
	delete(d.ahs, ah)
	return nil
}

func (d *Device) lookupAH(gid [16]byte) (uint16, bool) {
	for ah, g := range d.ahs {
		if g == gid {
			return ah, true
		}
	}
	return 0, false
}

// InjectStatus makes the next send processed on qpn complete with status
// instead of being delivered.
func (d *Device) InjectStatus(qpn uint16, status efa.Status) error {
	d.fabric.mu.Lock()
	defer d.fabric.mu.Unlock()
	if _, ok := d.qps[qpn]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownQP, qpn)
	}
	d.injected[qpn] = append(d.injected[qpn], status)
	return nil
}

// Close destroys every queue pair, flushing their posted receives, and
// detaches the device from its fabric.
func (d *Device) Close() error {
	d.fabric.mu.Lock()
	defer d.fabric.mu.Unlock()
	if d.closed {
		return nil
	}
	for qpn := range d.qps {
		d.destroyLocked(qpn)
	}
	d.closed = true
	delete(d.fabric.devices, d.gid)
	return nil
}

// resolve copies length bytes of registered memory starting at addr. ok is
// false when the key is unknown or the range falls outside the region.
func (d *Device) resolve(lkey uint32, addr uint64, length int) ([]byte, bool) {
	r, ok := d.regions[lkey]
	if !ok || addr < r.addr {
		return nil, false
	}
	off := addr - r.addr
	if off+uint64(length) > uint64(len(r.buf)) {
		return nil, false
	}
	return r.buf[off : off+uint64(length)], true
}
