package camera

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collicam/internal/stream"
)

type fakeTrack struct{ id string }

func (t fakeTrack) ID() string   { return t.id }
func (t fakeTrack) Kind() string { return stream.KindVideo }

type fakeBackend struct {
	mu         sync.Mutex
	deny       bool
	infos      []DeviceInfo
	openErr    map[string]error
	enumerated int
	closed     []string
}

func (b *fakeBackend) RequestAccess(ctx context.Context) (Grant, error) {
	if b.deny {
		return Grant{}, errors.New("NotAllowedError")
	}
	return Grant{Granted: true, GrantedAt: time.Now()}, nil
}

func (b *fakeBackend) Enumerate(ctx context.Context) ([]DeviceInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enumerated++
	return b.infos, nil
}

func (b *fakeBackend) Open(ctx context.Context, id string) (stream.LiveStream, error) {
	if err := b.openErr[id]; err != nil {
		return nil, err
	}
	return stream.New(id, fakeTrack{id + "-v"}), nil
}

func (b *fakeBackend) Close(s stream.LiveStream) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = append(b.closed, s.ID())
	return nil
}

func TestClassifyRoles(t *testing.T) {
	tests := []struct {
		name      string
		infos     []DeviceInfo
		policy    RolePolicy
		wantFront string
		wantBack  string
	}{
		{
			name:      "both keywords",
			infos:     []DeviceInfo{{ID: "a", Label: "Back Camera"}, {ID: "b", Label: "FRONT camera"}},
			wantFront: "b",
			wantBack:  "a",
		},
		{
			name:      "front keyword only",
			infos:     []DeviceInfo{{ID: "a", Label: "USB cam"}, {ID: "b", Label: "front"}},
			wantFront: "b",
		},
		{
			name:     "back keyword only",
			infos:    []DeviceInfo{{ID: "a", Label: "camera2 0, facing back"}, {ID: "b", Label: "USB"}},
			wantBack: "a",
		},
		{
			name:      "one keyword with require pair",
			infos:     []DeviceInfo{{ID: "a", Label: "USB cam"}, {ID: "b", Label: "front"}},
			policy:    RolePolicy{RequirePair: true},
			wantFront: "b",
			wantBack:  "a",
		},
		{
			name:      "no keyword uses first device as front",
			infos:     []DeviceInfo{{ID: "a", Label: "Integrated Webcam"}, {ID: "b", Label: "USB"}},
			wantFront: "a",
		},
		{
			name:      "no keyword ignores require pair",
			infos:     []DeviceInfo{{ID: "a", Label: "x"}, {ID: "b", Label: "y"}},
			policy:    RolePolicy{RequirePair: true},
			wantFront: "a",
		},
		{
			name:      "explicit mapping overrides labels",
			infos:     []DeviceInfo{{ID: "a", Label: "front"}, {ID: "b", Label: "back"}},
			policy:    RolePolicy{FrontID: "b", BackID: "a"},
			wantFront: "b",
			wantBack:  "a",
		},
		{
			name:      "unknown explicit id falls back to inference",
			infos:     []DeviceInfo{{ID: "a", Label: "front"}},
			policy:    RolePolicy{FrontID: "missing"},
			wantFront: "a",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			devices, a := ClassifyRoles(tt.infos, tt.policy)
			assert.Equal(t, tt.wantFront, a.Front)
			assert.Equal(t, tt.wantBack, a.Back)
			require.Len(t, devices, len(tt.infos))
			for _, d := range devices {
				switch d.ID {
				case a.Front:
					assert.Equal(t, RoleFront, d.Role)
				case a.Back:
					assert.Equal(t, RoleBack, d.Role)
				default:
					assert.Equal(t, RoleUnknown, d.Role)
				}
			}
		})
	}
}

func TestManagerListDevices(t *testing.T) {
	ctx := context.Background()

	t.Run("without grant", func(t *testing.T) {
		m := NewManager(&fakeBackend{infos: []DeviceInfo{{ID: "a", Video: true}}}, RolePolicy{}, nil)
		_, err := m.ListDevices(ctx)
		assert.ErrorIs(t, err, ErrPermissionDenied)
	})

	t.Run("denied", func(t *testing.T) {
		m := NewManager(&fakeBackend{deny: true}, RolePolicy{}, nil)
		_, err := m.Acquire(ctx)
		assert.ErrorIs(t, err, ErrPermissionDenied)
		_, err = m.ListDevices(ctx)
		assert.ErrorIs(t, err, ErrPermissionDenied)
	})

	t.Run("no video inputs", func(t *testing.T) {
		m := NewManager(&fakeBackend{infos: []DeviceInfo{{ID: "mic", Label: "Microphone"}}}, RolePolicy{}, nil)
		_, err := m.Acquire(ctx)
		require.NoError(t, err)
		_, err = m.ListDevices(ctx)
		assert.ErrorIs(t, err, ErrNoDevice)
	})

	t.Run("discovered once per grant", func(t *testing.T) {
		b := &fakeBackend{infos: []DeviceInfo{
			{ID: "mic", Label: "Microphone"},
			{ID: "f", Label: "Front Camera", Video: true},
			{ID: "b", Label: "Back Camera", Video: true},
		}}
		m := NewManager(b, RolePolicy{}, nil)
		_, err := m.Acquire(ctx)
		require.NoError(t, err)

		devices, err := m.ListDevices(ctx)
		require.NoError(t, err)
		assert.Len(t, devices, 2)
		_, err = m.ListDevices(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, b.enumerated)

		front, ok := m.DeviceFor(RoleFront)
		require.True(t, ok)
		assert.Equal(t, "f", front.ID)
		back, ok := m.DeviceFor(RoleBack)
		require.True(t, ok)
		assert.Equal(t, "b", back.ID)

		_, err = m.Acquire(ctx)
		require.NoError(t, err)
		_, err = m.ListDevices(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, b.enumerated)
	})
}

func TestManagerStreams(t *testing.T) {
	ctx := context.Background()
	cause := errors.New("NotReadableError")
	b := &fakeBackend{openErr: map[string]error{"busy": cause}}
	m := NewManager(b, RolePolicy{}, nil)

	_, err := m.OpenStream(ctx, Device{ID: "busy"})
	assert.ErrorIs(t, err, ErrDeviceUnavailable)
	assert.ErrorIs(t, err, cause)

	s1, err := m.OpenStream(ctx, Device{ID: "one"})
	require.NoError(t, err)
	_, err = m.OpenStream(ctx, Device{ID: "two"})
	require.NoError(t, err)
	assert.Equal(t, 2, m.OpenCount())

	require.NoError(t, m.Release(s1))
	assert.Equal(t, []string{"one"}, b.closed)

	// releasing twice is a no-op
	require.NoError(t, m.Release(s1))
	assert.Equal(t, []string{"one"}, b.closed)

	require.NoError(t, m.ReleaseAll())
	assert.ElementsMatch(t, []string{"one", "two"}, b.closed)
	assert.Zero(t, m.OpenCount())
}

func TestParseRole(t *testing.T) {
	assert.Equal(t, RoleFront, ParseRole("Front"))
	assert.Equal(t, RoleBack, ParseRole(" back "))
	assert.Equal(t, RoleUnknown, ParseRole("side"))
}
