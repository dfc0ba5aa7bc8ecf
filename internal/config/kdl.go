package config

import (
	"fmt"
	"sort"
	"time"

	kdl "github.com/sblinch/kdl-go"
)

// KDLConfig is the KDL form of Config. Servers and remote hosts are
// children keyed by an arbitrary name:
//
//	servers {
//	    main { port 8000 }
//	    tls { secure true; port 8443; cert-path "cert.pem"; key-path "key.pem" }
//	}
//	remote-hosts {
//	    lab { hostname "lab.local"; port 8000; type "android" "ios" }
//	}
type KDLConfig struct {
	Servers             map[string]*KDLServer `kdl:"servers"`
	RunGoogTracker      *bool                 `kdl:"run-goog-tracker"`
	AnnounceGoogTracker *bool                 `kdl:"announce-goog-tracker"`
	RemoteHosts         map[string]*KDLHost   `kdl:"remote-hosts"`
	ADB                 *KDLADB               `kdl:"adb"`
	Tracker             *KDLTracker           `kdl:"tracker"`
	Scrcpy              *KDLScrcpy            `kdl:"scrcpy"`
	Features            *KDLFeatures          `kdl:"features"`
}

// KDLServer is a listener.
type KDLServer struct {
	Secure           bool   `kdl:"secure"`
	Port             int    `kdl:"port"`
	RedirectToSecure bool   `kdl:"redirect-to-secure"`
	Cert             string `kdl:"cert"`
	Key              string `kdl:"key"`
	CertPath         string `kdl:"cert-path"`
	KeyPath          string `kdl:"key-path"`
}

// KDLHost is a remote host.
type KDLHost struct {
	Hostname string   `kdl:"hostname"`
	Port     int      `kdl:"port"`
	Pathname string   `kdl:"pathname"`
	Secure   bool     `kdl:"secure"`
	UseProxy bool     `kdl:"use-proxy"`
	Type     []string `kdl:"type"`
}

// KDLADB locates adb.
type KDLADB struct {
	Address string `kdl:"address"`
	Binary  string `kdl:"binary"`
}

// KDLTracker holds the tracker restart policy. Delays are Go duration
// strings.
type KDLTracker struct {
	BaseDelay string  `kdl:"base-delay"`
	Factor    float64 `kdl:"factor"`
	MaxDelay  string  `kdl:"max-delay"`
}

// KDLScrcpy describes the scrcpy server.
type KDLScrcpy struct {
	ServerJar     string `kdl:"server-jar"`
	ServerVersion string `kdl:"server-version"`
	ServerArgs    string `kdl:"server-args"`
	RemotePort    int    `kdl:"remote-port"`
}

// KDLFeatures switches optional middleware.
type KDLFeatures struct {
	Shell       *bool `kdl:"shell"`
	Devtools    *bool `kdl:"devtools"`
	FileListing *bool `kdl:"file-listing"`
}

// ParseKDL parses KDL config data over the defaults.
func ParseKDL(data []byte) (*Config, error) {
	var kdlCfg KDLConfig
	if err := kdl.Unmarshal(data, &kdlCfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return kdlConfigToConfig(&kdlCfg)
}

// kdlConfigToConfig converts KDL config to our Config type.
func kdlConfigToConfig(k *KDLConfig) (*Config, error) {
	cfg := DefaultConfig()

	// Map order is random; sort by name so listeners start predictably.
	for _, name := range sortedKeys(k.Servers) {
		s := k.Servers[name]
		if s == nil {
			continue
		}
		item := ServerItem{Secure: s.Secure, Port: s.Port, RedirectToSecure: s.RedirectToSecure}
		if s.Cert != "" || s.Key != "" || s.CertPath != "" || s.KeyPath != "" {
			item.Options = &TLSOptions{Cert: s.Cert, Key: s.Key, CertPath: s.CertPath, KeyPath: s.KeyPath}
		}
		cfg.Server = append(cfg.Server, item)
	}

	if k.RunGoogTracker != nil {
		cfg.RunGoogTracker = *k.RunGoogTracker
	}
	if k.AnnounceGoogTracker != nil {
		cfg.AnnounceGoogTracker = *k.AnnounceGoogTracker
	}

	for _, name := range sortedKeys(k.RemoteHosts) {
		h := k.RemoteHosts[name]
		if h == nil {
			continue
		}
		cfg.RemoteHostList = append(cfg.RemoteHostList, HostListItem{
			Hostname: h.Hostname,
			Port:     h.Port,
			Pathname: h.Pathname,
			Secure:   h.Secure,
			UseProxy: h.UseProxy,
			Type:     StringList(h.Type),
		})
	}

	if a := k.ADB; a != nil {
		if a.Address != "" {
			cfg.ADB.Address = a.Address
		}
		if a.Binary != "" {
			cfg.ADB.Binary = a.Binary
		}
	}

	if t := k.Tracker; t != nil {
		if t.BaseDelay != "" {
			d, err := time.ParseDuration(t.BaseDelay)
			if err != nil {
				return nil, fmt.Errorf("tracker base-delay: %w", err)
			}
			cfg.Tracker.BaseDelay = Duration(d)
		}
		if t.Factor != 0 {
			cfg.Tracker.Factor = t.Factor
		}
		if t.MaxDelay != "" {
			d, err := time.ParseDuration(t.MaxDelay)
			if err != nil {
				return nil, fmt.Errorf("tracker max-delay: %w", err)
			}
			cfg.Tracker.MaxDelay = Duration(d)
		}
	}

	if s := k.Scrcpy; s != nil {
		if s.ServerJar != "" {
			cfg.Scrcpy.ServerJar = s.ServerJar
		}
		cfg.Scrcpy.ServerVersion = s.ServerVersion
		cfg.Scrcpy.ServerArgs = s.ServerArgs
		if s.RemotePort != 0 {
			cfg.Scrcpy.RemotePort = s.RemotePort
		}
	}

	if f := k.Features; f != nil {
		if f.Shell != nil {
			cfg.Features.Shell = *f.Shell
		}
		if f.Devtools != nil {
			cfg.Features.Devtools = *f.Devtools
		}
		if f.FileListing != nil {
			cfg.Features.FileListing = *f.FileListing
		}
	}
	return cfg, nil
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
