// Package state holds the device list, the user's selection and the
// single in-flight connection attempt, and publishes immutable
// snapshots to the presentation layer on every change.
package state

import (
	"sync"

	"github.com/sirupsen/logrus"

	"blueswitch/internal/bluetooth"
)

// PreferenceKey is the key the last selected device address is
// persisted under.
const PreferenceKey = "selected_device_address"

// Prefs is the slice of fyne.Preferences the holder needs. Tests
// substitute a map-backed implementation.
type Prefs interface {
	String(key string) string
	SetString(key, value string)
}

// Snapshot is the immutable view handed to the subscriber on every
// state change. Connected status is not part of the snapshot; the
// presentation layer reads it live from the device handles.
type Snapshot struct {
	Devices    []bluetooth.Device
	Selected   bluetooth.Device // nil when nothing is selected
	Connecting bool
	LastError  error // result of the most recent connect/disconnect
}

// Holder owns selection and connection state. At most one connection
// attempt is in flight at a time; SelectDevice and ToggleConnection
// are no-ops while one is.
type Holder struct {
	mu         sync.Mutex
	provider   bluetooth.Provider
	prefs      Prefs
	logger     *logrus.Logger
	subscriber func(Snapshot)

	devices    []bluetooth.Device
	selected   bluetooth.Device
	connecting bool
	lastErr    error
}

func New(provider bluetooth.Provider, prefs Prefs, logger *logrus.Logger) *Holder {
	if logger == nil {
		logger = logrus.New()
	}
	return &Holder{provider: provider, prefs: prefs, logger: logger}
}

// Subscribe registers the single subscriber and immediately publishes
// the current state to it.
func (h *Holder) Subscribe(fn func(Snapshot)) {
	h.mu.Lock()
	h.subscriber = fn
	h.mu.Unlock()
	h.Republish()
}

// snapshotLocked builds a Snapshot; h.mu must be held.
func (h *Holder) snapshotLocked() (Snapshot, func(Snapshot)) {
	devices := make([]bluetooth.Device, len(h.devices))
	copy(devices, h.devices)
	snap := Snapshot{
		Devices:    devices,
		Selected:   h.selected,
		Connecting: h.connecting,
		LastError:  h.lastErr,
	}
	return snap, h.subscriber
}

func publish(snap Snapshot, fn func(Snapshot)) {
	if fn != nil {
		fn(snap)
	}
}

// Refresh replaces the device list with a fresh enumeration. The
// selection is left alone; it is only resolved against the list once,
// at startup, by RestoreSelection. An enumeration failure degrades to
// an empty list, matching a platform that denies access.
func (h *Holder) Refresh() {
	devices, err := h.provider.PairedDevices()
	if err != nil {
		h.logger.Warnf("enumerate paired devices: %v", err)
		devices = nil
	}

	h.mu.Lock()
	h.devices = devices
	snap, fn := h.snapshotLocked()
	h.mu.Unlock()
	publish(snap, fn)
}

// RestoreSelection resolves the persisted address against the current
// device list and selects the match. Missing or unmatched keys are a
// silent no-op.
func (h *Holder) RestoreSelection() {
	address := h.prefs.String(PreferenceKey)
	if address == "" {
		return
	}

	h.mu.Lock()
	var found bluetooth.Device
	for _, d := range h.devices {
		if d.Address() == address {
			found = d
			break
		}
	}
	if found == nil {
		h.mu.Unlock()
		h.logger.Debugf("persisted device %s is no longer paired", address)
		return
	}
	h.selected = found
	snap, fn := h.snapshotLocked()
	h.mu.Unlock()
	publish(snap, fn)
}

// SelectDevice sets the selection and persists its address. Ignored
// while a connection attempt is in flight.
func (h *Holder) SelectDevice(d bluetooth.Device) {
	h.mu.Lock()
	if h.connecting {
		h.mu.Unlock()
		return
	}
	h.selected = d
	snap, fn := h.snapshotLocked()
	h.mu.Unlock()

	if d != nil {
		h.prefs.SetString(PreferenceKey, d.Address())
	}
	publish(snap, fn)
}

// ToggleConnection opens or closes the selected device's baseband
// link, branching on its live status. Disconnect is synchronous; the
// connect call runs on a background goroutine with the connecting flag
// set for its whole duration. No-op without a selection or while an
// attempt is already in flight.
func (h *Holder) ToggleConnection() {
	h.mu.Lock()
	if h.selected == nil || h.connecting {
		h.mu.Unlock()
		return
	}
	d := h.selected

	if d.Connected() {
		err := d.Disconnect()
		if err != nil {
			h.logger.Warnf("disconnect %s: %v", d.Address(), err)
		}
		h.lastErr = err
		snap, fn := h.snapshotLocked()
		h.mu.Unlock()
		publish(snap, fn)
		return
	}

	h.connecting = true
	h.lastErr = nil
	snap, fn := h.snapshotLocked()
	h.mu.Unlock()
	publish(snap, fn)

	go func() {
		err := d.Connect()
		if err != nil {
			h.logger.Warnf("connect %s: %v", d.Address(), err)
		}

		h.mu.Lock()
		h.connecting = false
		h.lastErr = err
		snap, fn := h.snapshotLocked()
		h.mu.Unlock()
		publish(snap, fn)
	}()
}

// Republish hands the current state to the subscriber again. The poll
// timer and the link event watcher use it to surface externally caused
// status changes, which live only in the device handles.
func (h *Holder) Republish() {
	h.mu.Lock()
	snap, fn := h.snapshotLocked()
	h.mu.Unlock()
	publish(snap, fn)
}
