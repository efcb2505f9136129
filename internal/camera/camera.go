package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"collicam/internal/stream"
)

var (
	// ErrPermissionDenied is returned when camera access was not granted
	ErrPermissionDenied = errors.New("camera permission denied")

	// ErrNoDevice is returned when enumeration finds no video input
	ErrNoDevice = errors.New("no camera device")

	// ErrDeviceUnavailable is returned when a device cannot be opened
	ErrDeviceUnavailable = errors.New("camera device unavailable")
)

// Device is a discovered video input
type Device struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Role  Role   `json:"role"`
}

// DeviceInfo is a raw enumeration entry as reported by a backend
type DeviceInfo struct {
	ID    string
	Label string
	Video bool
}

// Grant is the outcome of a camera access request
type Grant struct {
	Granted   bool
	GrantedAt time.Time
}

// Backend is the platform camera layer
type Backend interface {
	// RequestAccess asks the platform for camera access
	RequestAccess(ctx context.Context) (Grant, error)

	// Enumerate lists media input devices, video and otherwise
	Enumerate(ctx context.Context) ([]DeviceInfo, error)

	// Open starts capturing from a device
	Open(ctx context.Context, deviceID string) (stream.LiveStream, error)

	// Close stops the capture behind a stream opened by Open
	Close(s stream.LiveStream) error
}

// Manager discovers cameras, assigns front/back roles and owns open streams
type Manager struct {
	backend Backend
	policy  RolePolicy
	logger  *zap.Logger

	mu         sync.RWMutex
	grant      *Grant
	devices    []Device
	assignment Assignment
	open       map[string]stream.LiveStream
}

// NewManager creates a new camera manager
func NewManager(backend Backend, policy RolePolicy, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		backend: backend,
		policy:  policy,
		logger:  logger.Named("camera"),
		open:    make(map[string]stream.LiveStream),
	}
}

// Acquire requests camera access from the backend and records the grant.
// A new grant invalidates previously discovered devices.
func (m *Manager) Acquire(ctx context.Context) (Grant, error) {
	g, err := m.backend.RequestAccess(ctx)
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			return Grant{}, err
		}
		return Grant{}, fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}
	if !g.Granted {
		return g, ErrPermissionDenied
	}

	m.mu.Lock()
	m.grant = &g
	m.devices = nil
	m.assignment = Assignment{}
	m.mu.Unlock()

	m.logger.Info("camera access granted", zap.Time("granted_at", g.GrantedAt))
	return g, nil
}

// ListDevices returns the video inputs with their roles. Devices are
// discovered once per grant.
func (m *Manager) ListDevices(ctx context.Context) ([]Device, error) {
	m.mu.RLock()
	granted := m.grant != nil && m.grant.Granted
	cached := m.devices
	m.mu.RUnlock()

	if !granted {
		return nil, ErrPermissionDenied
	}
	if cached != nil {
		return copyDevices(cached), nil
	}

	infos, err := m.backend.Enumerate(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}

	var video []DeviceInfo
	for _, d := range infos {
		if d.Video {
			video = append(video, d)
		}
	}
	if len(video) == 0 {
		return nil, ErrNoDevice
	}

	devices, assignment := ClassifyRoles(video, m.policy)

	m.mu.Lock()
	m.devices = devices
	m.assignment = assignment
	m.mu.Unlock()

	m.logger.Info("cameras discovered",
		zap.Int("count", len(devices)),
		zap.String("front", assignment.Front),
		zap.String("back", assignment.Back))

	return copyDevices(devices), nil
}

// Assignment returns the current role assignment
func (m *Manager) Assignment() Assignment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.assignment
}

// DeviceFor returns the device assigned to a role
func (m *Manager) DeviceFor(role Role) (Device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id := m.assignment.For(role)
	if id == "" {
		return Device{}, false
	}
	for _, d := range m.devices {
		if d.ID == id {
			return d, true
		}
	}
	return Device{}, false
}

// OpenStream starts capturing from a device
func (m *Manager) OpenStream(ctx context.Context, d Device) (stream.LiveStream, error) {
	s, err := m.backend.Open(ctx, d.ID)
	if err != nil {
		m.logger.Warn("failed to open camera", zap.String("device", d.ID), zap.Error(err))
		return nil, fmt.Errorf("%w: %s: %w", ErrDeviceUnavailable, d.ID, err)
	}

	m.mu.Lock()
	m.open[s.ID()] = s
	m.mu.Unlock()

	m.logger.Debug("camera stream opened", zap.String("device", d.ID), zap.String("stream", s.ID()))
	return s, nil
}

// Release stops the capture behind a stream
func (m *Manager) Release(s stream.LiveStream) error {
	if s == nil {
		return nil
	}

	m.mu.Lock()
	_, owned := m.open[s.ID()]
	delete(m.open, s.ID())
	m.mu.Unlock()

	if !owned {
		return nil
	}
	if err := m.backend.Close(s); err != nil {
		return fmt.Errorf("release stream %s: %w", s.ID(), err)
	}
	return nil
}

// ReleaseAll stops every open capture
func (m *Manager) ReleaseAll() error {
	m.mu.Lock()
	streams := make([]stream.LiveStream, 0, len(m.open))
	for _, s := range m.open {
		streams = append(streams, s)
	}
	m.open = make(map[string]stream.LiveStream)
	m.mu.Unlock()

	var errs []error
	for _, s := range streams {
		if err := m.backend.Close(s); err != nil {
			errs = append(errs, fmt.Errorf("release stream %s: %w", s.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// OpenCount returns the number of streams currently held
func (m *Manager) OpenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.open)
}

func copyDevices(in []Device) []Device {
	out := make([]Device, len(in))
	copy(out, in)
	return out
}
