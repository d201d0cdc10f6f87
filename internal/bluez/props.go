// Package bluez implements radio.Platform on Linux using the BlueZ D-Bus
// API for discovery and pairing, and RFCOMM sockets for streams.
package bluez

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/chaz8081/peerlink/internal/radio"
)

const (
	bluezDest      = "org.bluez"
	adapterIface   = "org.bluez.Adapter1"
	deviceIface    = "org.bluez.Device1"
	profileIface   = "org.bluez.Profile1"
	profileManager = "org.bluez.ProfileManager1"
	propsIface     = "org.freedesktop.DBus.Properties"
	objectManager  = "org.freedesktop.DBus.ObjectManager"
)

// ErrNoAdapter is returned when the configured adapter does not exist.
var ErrNoAdapter = errors.New("bluez: adapter not found")

// AddrFromPath extracts the MAC from a device path:
// /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF -> AA:BB:CC:DD:EE:FF.
func AddrFromPath(path dbus.ObjectPath) string {
	s := string(path)
	i := strings.LastIndex(s, "/")
	if i < 0 {
		return ""
	}
	s = s[i+1:]
	if !strings.HasPrefix(s, "dev_") {
		return ""
	}
	return strings.ReplaceAll(s[4:], "_", ":")
}

// PathFromAddr converts a MAC to the device object path under adapterPath.
func PathFromAddr(adapterPath dbus.ObjectPath, addr string) dbus.ObjectPath {
	s := strings.ReplaceAll(strings.ToUpper(addr), ":", "_")
	return dbus.ObjectPath(string(adapterPath) + "/dev_" + s)
}

// isDevicePath reports whether path is a device directly under adapterPath.
func isDevicePath(adapterPath, path dbus.ObjectPath) bool {
	prefix := string(adapterPath) + "/dev_"
	return strings.HasPrefix(string(path), prefix) && !strings.Contains(string(path)[len(prefix):], "/")
}

// bdaddr converts a MAC string to the little-endian byte order RFCOMM
// socket addresses use.
func bdaddr(mac string) ([6]uint8, error) {
	var out [6]uint8
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return out, fmt.Errorf("bluez: parse address %q: %w", mac, err)
	}
	if len(hw) != 6 {
		return out, fmt.Errorf("bluez: address %q is not 48-bit", mac)
	}
	for i := range 6 {
		out[i] = hw[5-i]
	}
	return out, nil
}

func bondFromPaired(paired bool) radio.BondState {
	if paired {
		return radio.BondBonded
	}
	return radio.BondNone
}

func stringProp(props map[string]dbus.Variant, name string) string {
	v, ok := props[name]
	if !ok {
		return ""
	}
	s, _ := v.Value().(string)
	return s
}

func boolProp(props map[string]dbus.Variant, name string) (bool, bool) {
	v, ok := props[name]
	if !ok {
		return false, false
	}
	b, ok := v.Value().(bool)
	return b, ok
}

// deviceFound builds a DeviceFound notification from Device1 properties.
func deviceFound(path dbus.ObjectPath, props map[string]dbus.Variant) (radio.Notification, bool) {
	addr := stringProp(props, "Address")
	if addr == "" {
		addr = AddrFromPath(path)
	}
	if addr == "" {
		return radio.Notification{}, false
	}
	paired, _ := boolProp(props, "Paired")
	return radio.Notification{
		Kind:    radio.NotifyDeviceFound,
		Address: addr,
		Name:    stringProp(props, "Name"),
		Bond:    bondFromPaired(paired),
	}, true
}

// adapterChanges converts an Adapter1 PropertiesChanged payload.
func adapterChanges(changed map[string]dbus.Variant) []radio.Notification {
	var out []radio.Notification
	if powered, ok := boolProp(changed, "Powered"); ok {
		out = append(out, radio.Notification{Kind: radio.NotifyPowerChanged, Powered: powered})
	}
	if discovering, ok := boolProp(changed, "Discovering"); ok {
		kind := radio.NotifyDiscoveryFinished
		if discovering {
			kind = radio.NotifyDiscoveryStarted
		}
		out = append(out, radio.Notification{Kind: kind})
	}
	return out
}

// deviceChanges converts a Device1 PropertiesChanged payload. The second
// result reports whether the device was seen by an ongoing inquiry and
// its full property set should be fetched.
func deviceChanges(path dbus.ObjectPath, changed map[string]dbus.Variant) ([]radio.Notification, bool) {
	addr := AddrFromPath(path)
	if addr == "" {
		return nil, false
	}
	var out []radio.Notification
	if paired, ok := boolProp(changed, "Paired"); ok {
		out = append(out, radio.Notification{Kind: radio.NotifyBondChanged, Address: addr, Bond: bondFromPaired(paired)})
	}
	if name := stringProp(changed, "Name"); name != "" {
		out = append(out, radio.Notification{Kind: radio.NotifyDeviceFound, Address: addr, Name: name})
	}
	_, seen := changed["RSSI"]
	return out, seen
}

// errorName returns the D-Bus error name carried by err, if any.
func errorName(err error) string {
	var v dbus.Error
	if errors.As(err, &v) {
		return v.Name
	}
	var p *dbus.Error
	if errors.As(err, &p) && p != nil {
		return p.Name
	}
	return ""
}
