package bluez

import (
	"strings"

	"github.com/fako1024/btobd/pkg/device"
	"github.com/fako1024/btobd/pkg/platform"
	"github.com/godbus/dbus/v5"
)

const (
	busName             = "org.bluez"
	adapterIface        = "org.bluez.Adapter1"
	deviceIface         = "org.bluez.Device1"
	profileIface        = "org.bluez.Profile1"
	profileManagerIface = "org.bluez.ProfileManager1"
	agentIface          = "org.bluez.Agent1"
	agentManagerIface   = "org.bluez.AgentManager1"
	objManagerIface     = "org.freedesktop.DBus.ObjectManager"
	propsIface          = "org.freedesktop.DBus.Properties"

	// SPPUUID denotes the serial port profile used by classic ELM327 adapters
	SPPUUID = "00001101-0000-1000-8000-00805f9b34fb"

	// DefaultAdapter denotes the adapter used if none is configured
	DefaultAdapter = "hci0"

	// DefaultPIN denotes the PIN code offered when an adapter requests one (most ELM327
	// clones use 1234)
	DefaultPIN = "1234"
)

// devicePath converts a hardware address like "AA:BB:CC:DD:EE:FF" to the BlueZ object
// path of the device below the given adapter
func devicePath(adapter dbus.ObjectPath, address string) dbus.ObjectPath {
	return dbus.ObjectPath(string(adapter) + "/dev_" + strings.ReplaceAll(device.NormalizeAddress(address), ":", "_"))
}

// addressFromPath extracts the hardware address from a BlueZ device object path
func addressFromPath(path dbus.ObjectPath) string {
	s := string(path)
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ReplaceAll(s[idx+5:], "_", ":")
}

// advertisementFromProps converts the Device1 properties of an object into an advertisement
func advertisementFromProps(path dbus.ObjectPath, props map[string]dbus.Variant) (platform.Advertisement, bool) {
	adv := platform.Advertisement{
		ID: string(path),
	}

	if v, ok := props["Address"]; ok {
		adv.Address, _ = v.Value().(string)
	}
	if adv.Address == "" {
		adv.Address = addressFromPath(path)
	}
	if adv.Address == "" {
		return platform.Advertisement{}, false
	}
	adv.Address = device.NormalizeAddress(adv.Address)

	if v, ok := props["Name"]; ok {
		adv.Name, _ = v.Value().(string)
	}
	if v, ok := props["RSSI"]; ok {
		if rssi, ok := v.Value().(int16); ok {
			val := int(rssi)
			adv.RSSI = &val
		}
	}
	if v, ok := props["Paired"]; ok {
		adv.Bonded, _ = v.Value().(bool)
	}

	return adv, true
}

// belongsTo returns if the object path denotes a device below the given adapter
func belongsTo(path, adapter dbus.ObjectPath) bool {
	return strings.HasPrefix(string(path), string(adapter)+"/dev_")
}
