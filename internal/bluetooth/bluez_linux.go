//go:build linux

package bluetooth

import (
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
)

const (
	bluezBus        = "org.bluez"
	adapterIface    = "org.bluez.Adapter1"
	deviceIface     = "org.bluez.Device1"
	batteryIface    = "org.bluez.Battery1"
	propsIface      = "org.freedesktop.DBus.Properties"
	propsChangedSig = propsIface + ".PropertiesChanged"
)

// BlueZ is a Provider over the BlueZ daemon on the system bus.
type BlueZ struct {
	conn    *dbus.Conn
	adapter dbus.ObjectPath
	logger  *logrus.Logger
	events  chan ConnectionEvent
}

// NewProvider connects to the system bus and locates an adapter. An
// explicit adapter object path (e.g. "/org/bluez/hci0") skips discovery.
func NewProvider(adapterPath string, logger *logrus.Logger) (Provider, error) {
	return NewBlueZ(adapterPath, logger)
}

func NewBlueZ(adapterPath string, logger *logrus.Logger) (*BlueZ, error) {
	if logger == nil {
		logger = logrus.New()
	}
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}
	adapter := dbus.ObjectPath(adapterPath)
	if adapterPath == "" {
		adapter, err = findDefaultAdapter(conn)
		if err != nil {
			conn.Close()
			return nil, err
		}
	}
	logger.Debugf("using bluetooth adapter %s", adapter)
	return &BlueZ{conn: conn, adapter: adapter, logger: logger}, nil
}

func (b *BlueZ) Close() error {
	return b.conn.Close()
}

func findDefaultAdapter(conn *dbus.Conn) (dbus.ObjectPath, error) {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	obj := conn.Object(bluezBus, "/")
	if err := obj.Call("org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0).Store(&objects); err != nil {
		return "", fmt.Errorf("get managed objects: %w", err)
	}
	for path, ifaces := range objects {
		if _, ok := ifaces[adapterIface]; ok {
			return path, nil
		}
	}
	return "", ErrNoAdapter
}

// deviceAddress extracts a MAC address from a BlueZ device object path
// below the given adapter. Devices on other adapters yield "".
func deviceAddress(adapter, path dbus.ObjectPath) string {
	prefix := string(adapter) + "/dev_"
	s := string(path)
	if !strings.HasPrefix(s, prefix) {
		return ""
	}
	return strings.ReplaceAll(s[len(prefix):], "_", ":")
}

// devicePath converts a MAC address like "AA:BB:CC:DD:EE:FF" to
// "<adapter>/dev_AA_BB_CC_DD_EE_FF".
func devicePath(adapter dbus.ObjectPath, address string) dbus.ObjectPath {
	return dbus.ObjectPath(string(adapter) + "/dev_" + strings.ReplaceAll(address, ":", "_"))
}

// PairedDevices enumerates devices below the adapter whose Paired
// property is set, sorted by display name. A bus without bluetoothd or
// without permission fails the call; callers decide how to degrade.
func (b *BlueZ) PairedDevices() ([]Device, error) {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	obj := b.conn.Object(bluezBus, "/")
	if err := obj.Call("org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0).Store(&objects); err != nil {
		return nil, fmt.Errorf("get managed objects: %w", err)
	}

	var devices []Device
	for path, ifaces := range objects {
		props, ok := ifaces[deviceIface]
		if !ok {
			continue
		}
		address := deviceAddress(b.adapter, path)
		if address == "" {
			continue
		}
		if v, ok := props["Paired"]; !ok {
			continue
		} else if paired, _ := v.Value().(bool); !paired {
			continue
		}

		d := &bluezDevice{conn: b.conn, path: path, address: address}
		if v, ok := props["Name"]; ok {
			d.name, _ = v.Value().(string)
		}
		if batteryProps, ok := ifaces[batteryIface]; ok {
			if v, ok := batteryProps["Percentage"]; ok {
				if pct, ok := v.Value().(uint8); ok {
					d.battery = int(pct)
					d.hasBattery = true
				}
			}
		}
		devices = append(devices, d)
	}

	SortByDisplayName(devices)
	b.logger.Debugf("enumerated %d paired device(s)", len(devices))
	return devices, nil
}

// Events subscribes to PropertiesChanged below /org/bluez and reports
// Connected flips, so externally caused connects and disconnects reach
// the state holder without waiting for the poll timer.
func (b *BlueZ) Events() <-chan ConnectionEvent {
	if b.events != nil {
		return b.events
	}
	b.events = make(chan ConnectionEvent, 16)

	if err := b.conn.AddMatchSignal(
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchPathNamespace("/org/bluez"),
	); err != nil {
		b.logger.Warnf("subscribe to property changes: %v", err)
		return b.events
	}

	signals := make(chan *dbus.Signal, 16)
	b.conn.Signal(signals)
	go b.watchSignals(signals)
	return b.events
}

func (b *BlueZ) watchSignals(signals chan *dbus.Signal) {
	for sig := range signals {
		if sig.Name != propsChangedSig || len(sig.Body) < 2 {
			continue
		}
		// Body: [interface_name string, changed_props map[string]Variant, invalidated []string]
		iface, _ := sig.Body[0].(string)
		if iface != deviceIface {
			continue
		}
		changed, ok := sig.Body[1].(map[string]dbus.Variant)
		if !ok {
			continue
		}
		v, ok := changed["Connected"]
		if !ok {
			continue
		}
		connected, ok := v.Value().(bool)
		if !ok {
			continue
		}
		address := deviceAddress(b.adapter, sig.Path)
		if address == "" {
			continue
		}
		b.logger.Debugf("device %s connected=%v", address, connected)
		select {
		case b.events <- ConnectionEvent{Address: address, Connected: connected}:
		default:
			// Drop rather than stall the signal pump.
		}
	}
}

type bluezDevice struct {
	conn       *dbus.Conn
	path       dbus.ObjectPath
	name       string
	address    string
	battery    int
	hasBattery bool
}

func (d *bluezDevice) Name() string         { return d.name }
func (d *bluezDevice) Address() string      { return d.address }
func (d *bluezDevice) Battery() (int, bool) { return d.battery, d.hasBattery }

// Connected queries the live Device1 property, not the enumeration snapshot.
func (d *bluezDevice) Connected() bool {
	var v dbus.Variant
	obj := d.conn.Object(bluezBus, d.path)
	if err := obj.Call(propsIface+".Get", 0, deviceIface, "Connected").Store(&v); err != nil {
		return false
	}
	connected, _ := v.Value().(bool)
	return connected
}

func (d *bluezDevice) Connect() error {
	obj := d.conn.Object(bluezBus, d.path)
	if err := obj.Call(deviceIface+".Connect", 0).Err; err != nil {
		return fmt.Errorf("connect %s: %w", d.address, err)
	}
	return nil
}

func (d *bluezDevice) Disconnect() error {
	obj := d.conn.Object(bluezBus, d.path)
	if err := obj.Call(deviceIface+".Disconnect", 0).Err; err != nil {
		return fmt.Errorf("disconnect %s: %w", d.address, err)
	}
	return nil
}
