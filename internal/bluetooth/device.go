package bluetooth

import (
	"errors"
	"sort"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// Common errors
var (
	ErrNoAdapter    = errors.New("no bluetooth adapter found")
	ErrNotSupported = errors.New("bluetooth is not supported on this platform")
)

// Device is a read handle onto one host-paired peripheral. The platform
// owns the device; handles only query and drive it.
type Device interface {
	// Name returns the display name, which may be empty.
	Name() string
	// Address returns the stable address string used as identity throughout.
	Address() string
	// Connected reports the live baseband link status.
	Connected() bool
	// Battery returns the battery percentage and whether it is known.
	Battery() (int, bool)

	Connect() error
	Disconnect() error
}

// Provider enumerates host-paired devices. Implementations do not cache;
// every call re-queries the platform.
type Provider interface {
	PairedDevices() ([]Device, error)
}

// ConnectionEvent reports an externally observed link status change.
type ConnectionEvent struct {
	Address   string
	Connected bool
}

// Watcher is implemented by providers that can push link status changes.
type Watcher interface {
	Events() <-chan ConnectionEvent
}

// Empty is a Provider with no devices, used when the platform denies
// access or no adapter is present.
type Empty struct{}

func (Empty) PairedDevices() ([]Device, error) { return nil, nil }

// DisplayName returns the device name, falling back to the address
// string for unnamed devices.
func DisplayName(d Device) string {
	if name := d.Name(); name != "" {
		return name
	}
	return d.Address()
}

// SortByDisplayName sorts devices ascending by display name using
// locale-aware comparison. The sort is stable; address strings are
// unique, so the order is total.
func SortByDisplayName(devices []Device) {
	c := collate.New(language.Und, collate.Loose)
	sort.SliceStable(devices, func(i, j int) bool {
		return c.CompareString(DisplayName(devices[i]), DisplayName(devices[j])) < 0
	})
}
