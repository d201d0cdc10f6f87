package bluez

import (
	"errors"
	"fmt"
	"testing"

	"github.com/godbus/dbus/v5"

	"github.com/chaz8081/peerlink/internal/radio"
)

const hci0 = dbus.ObjectPath("/org/bluez/hci0")

func TestAddrFromPath(t *testing.T) {
	tests := []struct {
		path dbus.ObjectPath
		want string
	}{
		{"/org/bluez/hci0/dev_00_11_22_33_44_55", "00:11:22:33:44:55"},
		{"/org/bluez/hci1/dev_AA_BB_CC_DD_EE_FF", "AA:BB:CC:DD:EE:FF"},
		{"/org/bluez/hci0", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := AddrFromPath(tt.path); got != tt.want {
			t.Errorf("AddrFromPath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestPathFromAddr(t *testing.T) {
	got := PathFromAddr(hci0, "aa:bb:cc:dd:ee:ff")
	want := dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF")
	if got != want {
		t.Errorf("PathFromAddr() = %q, want %q", got, want)
	}
	if back := AddrFromPath(got); back != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("AddrFromPath(PathFromAddr()) = %q", back)
	}
}

func TestIsDevicePath(t *testing.T) {
	tests := []struct {
		path dbus.ObjectPath
		want bool
	}{
		{"/org/bluez/hci0/dev_00_11_22_33_44_55", true},
		{"/org/bluez/hci0/dev_00_11_22_33_44_55/service0001", false},
		{"/org/bluez/hci1/dev_00_11_22_33_44_55", false},
		{"/org/bluez/hci0", false},
	}
	for _, tt := range tests {
		if got := isDevicePath(hci0, tt.path); got != tt.want {
			t.Errorf("isDevicePath(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestBdaddrReversesBytes(t *testing.T) {
	got, err := bdaddr("00:11:22:33:44:55")
	if err != nil {
		t.Fatalf("bdaddr() error = %v", err)
	}
	want := [6]uint8{0x55, 0x44, 0x33, 0x22, 0x11, 0x00}
	if got != want {
		t.Errorf("bdaddr() = %x, want %x", got, want)
	}

	if _, err := bdaddr("not-a-mac"); err == nil {
		t.Error("bdaddr() should fail on a malformed address")
	}
	if _, err := bdaddr("00:11:22:33:44:55:66:77"); err == nil {
		t.Error("bdaddr() should reject EUI-64 addresses")
	}
}

func TestDeviceFound(t *testing.T) {
	path := dbus.ObjectPath("/org/bluez/hci0/dev_00_11_22_33_44_55")

	n, ok := deviceFound(path, map[string]dbus.Variant{
		"Address": dbus.MakeVariant("00:11:22:33:44:55"),
		"Name":    dbus.MakeVariant("Speaker"),
		"Paired":  dbus.MakeVariant(true),
	})
	if !ok {
		t.Fatal("deviceFound() ok = false")
	}
	want := radio.Notification{Kind: radio.NotifyDeviceFound, Address: "00:11:22:33:44:55", Name: "Speaker", Bond: radio.BondBonded}
	if n != want {
		t.Errorf("deviceFound() = %+v, want %+v", n, want)
	}

	// Address falls back to the object path.
	n, ok = deviceFound(path, map[string]dbus.Variant{})
	if !ok || n.Address != "00:11:22:33:44:55" || n.Bond != radio.BondNone || n.Name != "" {
		t.Errorf("deviceFound() without props = %+v, %v", n, ok)
	}

	if _, ok := deviceFound("/org/bluez/hci0", nil); ok {
		t.Error("deviceFound() should reject a non-device path")
	}
}

func TestAdapterChanges(t *testing.T) {
	got := adapterChanges(map[string]dbus.Variant{
		"Powered":     dbus.MakeVariant(false),
		"Discovering": dbus.MakeVariant(true),
		"Alias":       dbus.MakeVariant("laptop"),
	})
	if len(got) != 2 {
		t.Fatalf("adapterChanges() returned %d notifications, want 2", len(got))
	}
	if got[0].Kind != radio.NotifyPowerChanged || got[0].Powered {
		t.Errorf("got[0] = %+v, want power off", got[0])
	}
	if got[1].Kind != radio.NotifyDiscoveryStarted {
		t.Errorf("got[1].Kind = %v, want %v", got[1].Kind, radio.NotifyDiscoveryStarted)
	}

	got = adapterChanges(map[string]dbus.Variant{"Discovering": dbus.MakeVariant(false)})
	if len(got) != 1 || got[0].Kind != radio.NotifyDiscoveryFinished {
		t.Errorf("adapterChanges(Discovering=false) = %+v", got)
	}

	if got := adapterChanges(map[string]dbus.Variant{"Class": dbus.MakeVariant(uint32(0))}); len(got) != 0 {
		t.Errorf("adapterChanges() with no known properties = %+v", got)
	}
}

func TestDeviceChanges(t *testing.T) {
	path := dbus.ObjectPath("/org/bluez/hci0/dev_00_11_22_33_44_55")

	notes, seen := deviceChanges(path, map[string]dbus.Variant{
		"Paired": dbus.MakeVariant(true),
		"Name":   dbus.MakeVariant("Speaker"),
	})
	if seen {
		t.Error("seen = true without RSSI")
	}
	if len(notes) != 2 {
		t.Fatalf("deviceChanges() returned %d notifications, want 2", len(notes))
	}
	if notes[0].Kind != radio.NotifyBondChanged || notes[0].Bond != radio.BondBonded || notes[0].Address != "00:11:22:33:44:55" {
		t.Errorf("notes[0] = %+v", notes[0])
	}
	if notes[1].Kind != radio.NotifyDeviceFound || notes[1].Name != "Speaker" {
		t.Errorf("notes[1] = %+v", notes[1])
	}

	notes, seen = deviceChanges(path, map[string]dbus.Variant{"RSSI": dbus.MakeVariant(int16(-60))})
	if !seen || len(notes) != 0 {
		t.Errorf("deviceChanges(RSSI) = %+v, %v; want none, true", notes, seen)
	}
}

func TestErrorName(t *testing.T) {
	e := dbus.Error{Name: "org.bluez.Error.InProgress"}
	if got := errorName(e); got != "org.bluez.Error.InProgress" {
		t.Errorf("errorName(value) = %q", got)
	}
	if got := errorName(fmt.Errorf("wrapped: %w", &e)); got != "org.bluez.Error.InProgress" {
		t.Errorf("errorName(wrapped pointer) = %q", got)
	}
	if got := errorName(errors.New("plain")); got != "" {
		t.Errorf("errorName(plain) = %q, want empty", got)
	}
}
