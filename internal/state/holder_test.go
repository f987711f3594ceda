package state

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blueswitch/internal/bluetooth"
)

type fakeDevice struct {
	mu              sync.Mutex
	name            string
	address         string
	connected       bool
	connectErr      error
	disconnectErr   error
	connectCalls    int
	disconnectCalls int

	// When non-nil, Connect blocks until the channel is closed.
	block chan struct{}
}

func (d *fakeDevice) Name() string         { return d.name }
func (d *fakeDevice) Address() string      { return d.address }
func (d *fakeDevice) Battery() (int, bool) { return 0, false }

func (d *fakeDevice) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *fakeDevice) setConnected(connected bool) {
	d.mu.Lock()
	d.connected = connected
	d.mu.Unlock()
}

func (d *fakeDevice) Connect() error {
	d.mu.Lock()
	d.connectCalls++
	block := d.block
	err := d.connectErr
	d.mu.Unlock()

	if block != nil {
		<-block
	}
	if err == nil {
		d.setConnected(true)
	}
	return err
}

func (d *fakeDevice) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnectCalls++
	if d.disconnectErr == nil {
		d.connected = false
	}
	return d.disconnectErr
}

func (d *fakeDevice) calls() (connects, disconnects int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connectCalls, d.disconnectCalls
}

type fakeProvider struct {
	devices []bluetooth.Device
	err     error
}

func (p *fakeProvider) PairedDevices() ([]bluetooth.Device, error) {
	return p.devices, p.err
}

type fakePrefs struct {
	mu     sync.Mutex
	values map[string]string
}

func newFakePrefs() *fakePrefs {
	return &fakePrefs{values: make(map[string]string)}
}

func (p *fakePrefs) String(key string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.values[key]
}

func (p *fakePrefs) SetString(key, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[key] = value
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// collector buffers published snapshots for assertion.
func collector() (func(Snapshot), chan Snapshot) {
	snaps := make(chan Snapshot, 32)
	return func(s Snapshot) { snaps <- s }, snaps
}

func waitSnapshot(t *testing.T, snaps chan Snapshot, match func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap := <-snaps:
			if match(snap) {
				return snap
			}
		case <-deadline:
			require.FailNow(t, "timed out waiting for snapshot")
		}
	}
}

func drain(snaps chan Snapshot) {
	for {
		select {
		case <-snaps:
		default:
			return
		}
	}
}

func TestRefreshReplacesDeviceList(t *testing.T) {
	dev := &fakeDevice{name: "Headphones", address: "AA:BB:CC:DD:EE:FF"}
	provider := &fakeProvider{devices: []bluetooth.Device{dev}}
	h := New(provider, newFakePrefs(), quietLogger())
	fn, snaps := collector()
	h.Subscribe(fn)
	drain(snaps)

	h.Refresh()

	snap := waitSnapshot(t, snaps, func(s Snapshot) bool { return len(s.Devices) == 1 })
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", snap.Devices[0].Address())
	assert.Nil(t, snap.Selected)
	assert.False(t, snap.Connecting)
}

func TestRefreshErrorDegradesToEmptyList(t *testing.T) {
	dev := &fakeDevice{name: "Headphones", address: "AA:BB:CC:DD:EE:FF"}
	provider := &fakeProvider{devices: []bluetooth.Device{dev}}
	h := New(provider, newFakePrefs(), quietLogger())
	fn, snaps := collector()
	h.Subscribe(fn)
	h.Refresh()
	waitSnapshot(t, snaps, func(s Snapshot) bool { return len(s.Devices) == 1 })

	provider.err = errors.New("access denied")
	h.Refresh()

	snap := waitSnapshot(t, snaps, func(s Snapshot) bool { return len(s.Devices) == 0 })
	assert.Empty(t, snap.Devices)
}

func TestSelectDevicePersistsAddress(t *testing.T) {
	dev := &fakeDevice{name: "Speaker", address: "11:22:33:44:55:66"}
	prefs := newFakePrefs()
	h := New(&fakeProvider{devices: []bluetooth.Device{dev}}, prefs, quietLogger())
	fn, snaps := collector()
	h.Subscribe(fn)
	h.Refresh()
	drain(snaps)

	h.SelectDevice(dev)

	snap := waitSnapshot(t, snaps, func(s Snapshot) bool { return s.Selected != nil })
	assert.Equal(t, "11:22:33:44:55:66", snap.Selected.Address())
	assert.Equal(t, "11:22:33:44:55:66", prefs.String(PreferenceKey))
}

func TestRestoreSelection(t *testing.T) {
	tests := []struct {
		name         string
		persisted    string
		wantRestored bool
	}{
		{
			name:         "empty key leaves selection empty",
			persisted:    "",
			wantRestored: false,
		},
		{
			name:         "matching address restores selection",
			persisted:    "AA:BB:CC:DD:EE:FF",
			wantRestored: true,
		},
		{
			name:         "unmatched address leaves selection empty",
			persisted:    "00:00:00:00:00:00",
			wantRestored: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := &fakeDevice{name: "Headphones", address: "AA:BB:CC:DD:EE:FF"}
			prefs := newFakePrefs()
			if tt.persisted != "" {
				prefs.SetString(PreferenceKey, tt.persisted)
			}
			h := New(&fakeProvider{devices: []bluetooth.Device{dev}}, prefs, quietLogger())
			fn, snaps := collector()
			h.Subscribe(fn)
			h.Refresh()
			drain(snaps)

			h.RestoreSelection()
			h.Republish()

			snap := waitSnapshot(t, snaps, func(s Snapshot) bool { return len(s.Devices) == 1 })
			if tt.wantRestored {
				require.NotNil(t, snap.Selected)
				assert.Equal(t, "AA:BB:CC:DD:EE:FF", snap.Selected.Address())
			} else {
				assert.Nil(t, snap.Selected)
			}
		})
	}
}

func TestToggleWithoutSelectionIsNoop(t *testing.T) {
	dev := &fakeDevice{address: "AA:BB:CC:DD:EE:FF"}
	h := New(&fakeProvider{devices: []bluetooth.Device{dev}}, newFakePrefs(), quietLogger())
	fn, snaps := collector()
	h.Subscribe(fn)
	h.Refresh()
	drain(snaps)

	h.ToggleConnection()

	connects, disconnects := dev.calls()
	assert.Zero(t, connects)
	assert.Zero(t, disconnects)
}

func TestToggleDisconnectsSynchronously(t *testing.T) {
	dev := &fakeDevice{address: "AA:BB:CC:DD:EE:FF", connected: true}
	h := New(&fakeProvider{devices: []bluetooth.Device{dev}}, newFakePrefs(), quietLogger())
	fn, snaps := collector()
	h.Subscribe(fn)
	h.Refresh()
	h.SelectDevice(dev)
	drain(snaps)

	h.ToggleConnection()

	// Disconnect completes before ToggleConnection returns.
	connects, disconnects := dev.calls()
	assert.Zero(t, connects)
	assert.Equal(t, 1, disconnects)
	assert.False(t, dev.Connected())

	snap := waitSnapshot(t, snaps, func(s Snapshot) bool { return true })
	assert.False(t, snap.Connecting)
	assert.NoError(t, snap.LastError)
}

func TestToggleConnectsInBackground(t *testing.T) {
	dev := &fakeDevice{address: "AA:BB:CC:DD:EE:FF", block: make(chan struct{})}
	h := New(&fakeProvider{devices: []bluetooth.Device{dev}}, newFakePrefs(), quietLogger())
	fn, snaps := collector()
	h.Subscribe(fn)
	h.Refresh()
	h.SelectDevice(dev)
	drain(snaps)

	h.ToggleConnection()

	// Connecting flag set for the whole interval the call is in flight.
	snap := waitSnapshot(t, snaps, func(s Snapshot) bool { return s.Connecting })
	assert.True(t, snap.Connecting)

	close(dev.block)

	snap = waitSnapshot(t, snaps, func(s Snapshot) bool { return !s.Connecting })
	assert.NoError(t, snap.LastError)
	assert.True(t, dev.Connected())

	connects, disconnects := dev.calls()
	assert.Equal(t, 1, connects)
	assert.Zero(t, disconnects)
}

func TestToggleIgnoredWhileConnecting(t *testing.T) {
	dev := &fakeDevice{address: "AA:BB:CC:DD:EE:FF", block: make(chan struct{})}
	h := New(&fakeProvider{devices: []bluetooth.Device{dev}}, newFakePrefs(), quietLogger())
	fn, snaps := collector()
	h.Subscribe(fn)
	h.Refresh()
	h.SelectDevice(dev)
	drain(snaps)

	h.ToggleConnection()
	waitSnapshot(t, snaps, func(s Snapshot) bool { return s.Connecting })

	// A second toggle while the attempt is in flight must not start
	// another one.
	h.ToggleConnection()

	close(dev.block)
	waitSnapshot(t, snaps, func(s Snapshot) bool { return !s.Connecting })

	connects, _ := dev.calls()
	assert.Equal(t, 1, connects)
}

func TestSelectDeviceIgnoredWhileConnecting(t *testing.T) {
	dev := &fakeDevice{name: "Headphones", address: "AA:BB:CC:DD:EE:FF", block: make(chan struct{})}
	other := &fakeDevice{name: "Speaker", address: "11:22:33:44:55:66"}
	prefs := newFakePrefs()
	h := New(&fakeProvider{devices: []bluetooth.Device{dev, other}}, prefs, quietLogger())
	fn, snaps := collector()
	h.Subscribe(fn)
	h.Refresh()
	h.SelectDevice(dev)
	drain(snaps)

	h.ToggleConnection()
	waitSnapshot(t, snaps, func(s Snapshot) bool { return s.Connecting })

	h.SelectDevice(other)

	close(dev.block)
	snap := waitSnapshot(t, snaps, func(s Snapshot) bool { return !s.Connecting })
	require.NotNil(t, snap.Selected)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", snap.Selected.Address())
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", prefs.String(PreferenceKey))
}

func TestConnectErrorSurfacedInSnapshot(t *testing.T) {
	connectErr := errors.New("page timeout")
	dev := &fakeDevice{address: "AA:BB:CC:DD:EE:FF", connectErr: connectErr}
	h := New(&fakeProvider{devices: []bluetooth.Device{dev}}, newFakePrefs(), quietLogger())
	fn, snaps := collector()
	h.Subscribe(fn)
	h.Refresh()
	h.SelectDevice(dev)
	drain(snaps)

	h.ToggleConnection()

	snap := waitSnapshot(t, snaps, func(s Snapshot) bool { return !s.Connecting && s.LastError != nil })
	assert.ErrorIs(t, snap.LastError, connectErr)
	assert.False(t, dev.Connected())
}

func TestRepublishReflectsExternalStatusChange(t *testing.T) {
	dev := &fakeDevice{address: "AA:BB:CC:DD:EE:FF", connected: true}
	h := New(&fakeProvider{devices: []bluetooth.Device{dev}}, newFakePrefs(), quietLogger())
	fn, snaps := collector()
	h.Subscribe(fn)
	h.Refresh()
	h.SelectDevice(dev)
	drain(snaps)

	// Link dropped outside the app, no holder mutation involved.
	dev.setConnected(false)
	h.Republish()

	snap := waitSnapshot(t, snaps, func(s Snapshot) bool { return s.Selected != nil })
	assert.False(t, snap.Selected.Connected())
}
