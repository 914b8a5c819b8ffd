// Package render holds the rendering capabilities the loader talks to: a
// Device that realises GPU-side objects and PointCloudRenderer
// implementations selected at configuration time.
package render

import (
	"errors"
	"fmt"
	"sync"

	"github.com/banshee-data/pointcloud/internal/pointcloud"
	"github.com/banshee-data/pointcloud/internal/resources"
)

// ErrDeviceLost is returned while the device's context is lost.
var ErrDeviceLost = errors.New("rendering device lost")

// Device realises GPU-side objects. Every returned Resource must be handed
// to the resource tracker, which alone releases it.
type Device interface {
	CreateBuffer(name string, data []float32) (resources.Resource, error)
	CreateMaterial(mode pointcloud.ColorMode) (resources.Resource, error)
}

// materialBytes is the nominal size charged for a material.
const materialBytes = 256

// MemoryDevice is a host-memory Device. It tracks live allocations so leaks
// and double frees are observable, and can simulate context loss.
type MemoryDevice struct {
	mu          sync.Mutex
	next        int
	live        map[int]int64
	lost        bool
	created     int
	doubleFrees int
	onRestored  func()
}

// NewMemoryDevice returns an active device with no allocations.
func NewMemoryDevice() *MemoryDevice {
	return &MemoryDevice{live: make(map[int]int64)}
}

type allocation struct {
	dev   *MemoryDevice
	id    int
	bytes int64
}

func (a *allocation) Release() error { return a.dev.free(a.id) }

func (a *allocation) EstimatedBytes() int64 { return a.bytes }

func (d *MemoryDevice) alloc(bytes int64) (resources.Resource, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return nil, ErrDeviceLost
	}
	d.next++
	d.created++
	d.live[d.next] = bytes
	return &allocation{dev: d, id: d.next, bytes: bytes}, nil
}

func (d *MemoryDevice) free(id int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.live[id]; !ok {
		d.doubleFrees++
		return fmt.Errorf("allocation %d freed twice", id)
	}
	delete(d.live, id)
	return nil
}

// CreateBuffer allocates a buffer sized for data.
func (d *MemoryDevice) CreateBuffer(name string, data []float32) (resources.Resource, error) {
	r, err := d.alloc(int64(len(data)) * 4)
	if err != nil {
		return nil, fmt.Errorf("create buffer %s: %w", name, err)
	}
	return r, nil
}

// CreateMaterial allocates a point material for mode.
func (d *MemoryDevice) CreateMaterial(mode pointcloud.ColorMode) (resources.Resource, error) {
	r, err := d.alloc(materialBytes)
	if err != nil {
		return nil, fmt.Errorf("create %s material: %w", mode, err)
	}
	return r, nil
}

// Lose simulates a context loss. Existing allocations stay live until they
// are released.
func (d *MemoryDevice) Lose() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lost = true
}

// SetOnRestored sets the callback RequestRestore invokes after recreating
// the context.
func (d *MemoryDevice) SetOnRestored(f func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onRestored = f
}

// RequestRestore recreates the context and reports success through the
// OnRestored callback.
func (d *MemoryDevice) RequestRestore() error {
	d.mu.Lock()
	d.lost = false
	cb := d.onRestored
	d.mu.Unlock()
	if cb != nil {
		cb()
	}
	return nil
}

// IsLost reports whether the context is lost.
func (d *MemoryDevice) IsLost() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lost
}

// Live returns the number of live allocations.
func (d *MemoryDevice) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.live)
}

// LiveBytes returns the bytes held by live allocations.
func (d *MemoryDevice) LiveBytes() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	var n int64
	for _, b := range d.live {
		n += b
	}
	return n
}

// Created returns the number of allocations ever made.
func (d *MemoryDevice) Created() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.created
}

// DoubleFrees returns how many times an allocation was freed twice.
func (d *MemoryDevice) DoubleFrees() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doubleFrees
}
