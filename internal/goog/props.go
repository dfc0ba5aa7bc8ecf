package goog

import (
	"bufio"
	"strconv"
	"strings"

	"github.com/standardbeagle/scrcpyhub/internal/protocol"
)

// Properties read from getprop into the descriptor.
const (
	propWifiInterface  = "wifi.interface"
	propReleaseVersion = "ro.build.version.release"
	propSDKVersion     = "ro.build.version.sdk"
	propManufacturer   = "ro.product.manufacturer"
	propModel          = "ro.product.model"
	propCPUABI         = "ro.product.cpu.abi"
)

// parseGetprop parses the output of getprop, one "[key]: [value]" per line.
func parseGetprop(out string) map[string]string {
	props := make(map[string]string)
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		key, value, ok := strings.Cut(line, "]: [")
		if !ok || !strings.HasPrefix(key, "[") || !strings.HasSuffix(value, "]") {
			continue
		}
		props[key[1:]] = value[:len(value)-1]
	}
	return props
}

func applyProps(d *protocol.DeviceDescriptor, props map[string]string) {
	d.WifiInterface = props[propWifiInterface]
	d.ReleaseVersion = props[propReleaseVersion]
	d.SDKVersion = props[propSDKVersion]
	d.Manufacturer = props[propManufacturer]
	d.Model = props[propModel]
	d.CPUABI = props[propCPUABI]
}

// parseInterfaces parses the output of `ip -4 -f inet -o a`:
//
//	1: lo    inet 127.0.0.1/8 scope host lo\       valid_lft forever
//	30: wlan0    inet 192.168.1.17/24 brd 192.168.1.255 scope global wlan0\ ...
//
// The loopback interface is skipped.
func parseInterfaces(out string) []protocol.NetInterface {
	list := []protocol.NetInterface{}
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 || fields[2] != "inet" {
			continue
		}
		name := fields[1]
		if name == "lo" {
			continue
		}
		addr, _, _ := strings.Cut(fields[3], "/")
		list = append(list, protocol.NetInterface{Name: name, IPv4: addr})
	}
	return list
}

// parsePids parses a whitespace separated list of pids, as printed by pidof.
func parsePids(out string) []int {
	var pids []int
	for _, f := range strings.Fields(out) {
		if pid, err := strconv.Atoi(f); err == nil && pid > 0 {
			pids = append(pids, pid)
		}
	}
	return pids
}
