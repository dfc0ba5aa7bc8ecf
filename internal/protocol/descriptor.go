package protocol

// Device states reported by the adb server, plus DeviceStateDisconnected
// which marks a device that is no longer attached.
const (
	DeviceStateConnecting   = "connecting"
	DeviceStateDevice       = "device"
	DeviceStateOffline      = "offline"
	DeviceStateUnauthorized = "unauthorized"
	DeviceStateDisconnected = "disconnected"
)

// NetInterface is a network interface of a device with its IPv4 address.
type NetInterface struct {
	Name string `json:"name"`
	IPv4 string `json:"ipv4"`
}

// DeviceDescriptor is a snapshot of one Android device. The JSON keys match
// the property names the web client reads.
type DeviceDescriptor struct {
	UDID            string         `json:"udid"`
	State           string         `json:"state"`
	Interfaces      []NetInterface `json:"interfaces"`
	PID             int            `json:"pid"`
	WifiInterface   string         `json:"wifi.interface"`
	ReleaseVersion  string         `json:"ro.build.version.release"`
	SDKVersion      string         `json:"ro.build.version.sdk"`
	Manufacturer    string         `json:"ro.product.manufacturer"`
	Model           string         `json:"ro.product.model"`
	CPUABI          string         `json:"ro.product.cpu.abi"`
	LastUpdateStamp int64          `json:"last.update.timestamp"`
}

// Clone returns a deep copy of d.
func (d DeviceDescriptor) Clone() DeviceDescriptor {
	c := d
	if d.Interfaces != nil {
		c.Interfaces = make([]NetInterface, len(d.Interfaces))
		copy(c.Interfaces, d.Interfaces)
	}
	return c
}

// SameContent reports whether d and other describe the same device state,
// ignoring the update timestamp.
func (d DeviceDescriptor) SameContent(other DeviceDescriptor) bool {
	if d.UDID != other.UDID ||
		d.State != other.State ||
		d.PID != other.PID ||
		d.WifiInterface != other.WifiInterface ||
		d.ReleaseVersion != other.ReleaseVersion ||
		d.SDKVersion != other.SDKVersion ||
		d.Manufacturer != other.Manufacturer ||
		d.Model != other.Model ||
		d.CPUABI != other.CPUABI {
		return false
	}
	if len(d.Interfaces) != len(other.Interfaces) {
		return false
	}
	for i := range d.Interfaces {
		if d.Interfaces[i] != other.Interfaces[i] {
			return false
		}
	}
	return true
}
