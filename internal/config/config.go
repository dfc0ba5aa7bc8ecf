// Package config contains the configuration of a scrcpyhub server and
// loads it from YAML, JSON or KDL files.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/standardbeagle/scrcpyhub/internal/protocol"
)

// EnvConfigPath names the environment variable holding the config path
// when no --config flag is given.
const EnvConfigPath = "SCRCPYHUB_CONFIG"

// DefaultPort is the port of the server item used when no server is
// configured.
const DefaultPort = 8000

var (
	// ErrUnknownFileType is returned for config files with an unsupported
	// extension.
	ErrUnknownFileType = errors.New("unknown file type")
	// ErrInvalidConfig wraps every validation failure.
	ErrInvalidConfig = errors.New("invalid config")
)

// Config holds the complete server configuration.
type Config struct {
	// Server lists the HTTP listeners.
	Server []ServerItem `yaml:"server"`

	// RunGoogTracker enables the Android device tracker.
	RunGoogTracker bool `yaml:"runGoogTracker"`
	// AnnounceGoogTracker lists the Android tracker in host announcements.
	AnnounceGoogTracker bool `yaml:"announceGoogTracker"`

	// RemoteHostList is announced to clients as other hosts to connect to.
	RemoteHostList []HostListItem `yaml:"remoteHostList"`

	ADB      ADBConfig      `yaml:"adb"`
	Tracker  TrackerConfig  `yaml:"tracker"`
	Scrcpy   ScrcpyConfig   `yaml:"scrcpy"`
	Features FeaturesConfig `yaml:"features"`
}

// ServerItem configures one listener.
type ServerItem struct {
	Secure bool `yaml:"secure"`
	// Port defaults to 443 for secure items and 80 otherwise.
	Port int `yaml:"port"`
	// RedirectToSecure sends plain HTTP requests to the first secure
	// listener.
	RedirectToSecure bool        `yaml:"redirectToSecure"`
	Options          *TLSOptions `yaml:"options"`
}

// TLSOptions holds the certificate of a secure listener, inline or as file
// paths. Paths are relative to the working directory.
type TLSOptions struct {
	Cert     string `yaml:"cert"`
	Key      string `yaml:"key"`
	CertPath string `yaml:"certPath"`
	KeyPath  string `yaml:"keyPath"`
}

// HostListItem describes a remote host. Type may list several tracker
// types; each becomes its own announced host.
type HostListItem struct {
	Hostname string     `yaml:"hostname"`
	Port     int        `yaml:"port"`
	Pathname string     `yaml:"pathname"`
	Secure   bool       `yaml:"secure"`
	UseProxy bool       `yaml:"useProxy"`
	Type     StringList `yaml:"type"`
}

// ADBConfig locates the adb server and binary.
type ADBConfig struct {
	Address string `yaml:"address"`
	Binary  string `yaml:"binary"`
}

// TrackerConfig is the restart policy of the device tracker.
type TrackerConfig struct {
	BaseDelay Duration `yaml:"baseDelay"`
	Factor    float64  `yaml:"factor"`
	MaxDelay  Duration `yaml:"maxDelay"`
}

// ScrcpyConfig describes the scrcpy server pushed to devices.
type ScrcpyConfig struct {
	ServerJar     string `yaml:"serverJar"`
	ServerVersion string `yaml:"serverVersion"`
	ServerArgs    string `yaml:"serverArgs"`
	RemotePort    int    `yaml:"remotePort"`
}

// FeaturesConfig switches optional Android middleware.
type FeaturesConfig struct {
	Shell       bool `yaml:"shell"`
	Devtools    bool `yaml:"devtools"`
	FileListing bool `yaml:"fileListing"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		RunGoogTracker:      true,
		AnnounceGoogTracker: true,
		ADB: ADBConfig{
			Address: "127.0.0.1:5037",
			Binary:  "adb",
		},
		Tracker: TrackerConfig{
			BaseDelay: Duration(time.Second),
			Factor:    1.2,
			MaxDelay:  Duration(10 * time.Minute),
		},
		Scrcpy: ScrcpyConfig{
			ServerJar:  "vendor/scrcpy-server.jar",
			RemotePort: 8886,
		},
		Features: FeaturesConfig{
			Shell:       true,
			Devtools:    true,
			FileListing: true,
		},
	}
}

// ResolvePath returns flagPath, or the path from EnvConfigPath when the
// flag is empty. An empty result means defaults.
func ResolvePath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	return os.Getenv(EnvConfigPath)
}

// Load reads the config file at path. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := DefaultConfig()
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data, filepath.Ext(path))
}

// Parse parses config data in the format named by the file extension ext
// and validates the result.
func Parse(data []byte, ext string) (*Config, error) {
	var (
		cfg *Config
		err error
	)
	switch strings.ToLower(ext) {
	case ".yaml", ".yml", ".json":
		cfg, err = ParseYAML(data)
	case ".kdl":
		cfg, err = ParseKDL(data)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownFileType, ext)
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseYAML parses YAML or JSON config data over the defaults.
func ParseYAML(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Validate fills in defaults and checks the configuration for errors.
func (c *Config) Validate() error {
	if len(c.Server) == 0 {
		c.Server = []ServerItem{{Port: DefaultPort}}
	}
	for i := range c.Server {
		item := &c.Server[i]
		if item.Port == 0 {
			if item.Secure {
				item.Port = 443
			} else {
				item.Port = 80
			}
		}
		if item.Port < 0 || item.Port > 65535 {
			return fmt.Errorf("%w: server[%d]: port %d out of range", ErrInvalidConfig, i, item.Port)
		}
		if !item.Secure {
			continue
		}
		o := item.Options
		if o == nil {
			return fmt.Errorf("%w: server[%d]: secure server requires options", ErrInvalidConfig, i)
		}
		if o.Cert != "" && o.CertPath != "" {
			return fmt.Errorf("%w: server[%d]: cert and certPath are mutually exclusive", ErrInvalidConfig, i)
		}
		if o.Key != "" && o.KeyPath != "" {
			return fmt.Errorf("%w: server[%d]: key and keyPath are mutually exclusive", ErrInvalidConfig, i)
		}
		if (o.Cert == "" && o.CertPath == "") || (o.Key == "" && o.KeyPath == "") {
			return fmt.Errorf("%w: server[%d]: secure server requires a certificate and a key", ErrInvalidConfig, i)
		}
	}

	for i, h := range c.RemoteHostList {
		if h.Hostname == "" {
			return fmt.Errorf("%w: remoteHostList[%d]: missing hostname", ErrInvalidConfig, i)
		}
		if len(h.Type) == 0 {
			return fmt.Errorf("%w: remoteHostList[%d]: missing type", ErrInvalidConfig, i)
		}
	}

	if c.ADB.Address == "" {
		c.ADB.Address = "127.0.0.1:5037"
	}
	if c.ADB.Binary == "" {
		c.ADB.Binary = "adb"
	}
	if c.Tracker.BaseDelay <= 0 {
		c.Tracker.BaseDelay = Duration(time.Second)
	}
	if c.Tracker.Factor == 0 {
		c.Tracker.Factor = 1.2
	}
	if c.Tracker.Factor < 1 {
		return fmt.Errorf("%w: tracker factor %v is below 1", ErrInvalidConfig, c.Tracker.Factor)
	}
	if c.Tracker.MaxDelay <= 0 {
		c.Tracker.MaxDelay = Duration(10 * time.Minute)
	}
	if c.Tracker.MaxDelay < c.Tracker.BaseDelay {
		return fmt.Errorf("%w: tracker maxDelay is below baseDelay", ErrInvalidConfig)
	}
	return nil
}

// HostItems expands RemoteHostList into one announced host per type.
func (c *Config) HostItems() []protocol.HostItem {
	items := []protocol.HostItem{}
	for _, h := range c.RemoteHostList {
		for _, t := range h.Type {
			items = append(items, protocol.HostItem{
				Hostname: h.Hostname,
				Port:     h.Port,
				Pathname: h.Pathname,
				Secure:   h.Secure,
				UseProxy: h.UseProxy,
				Type:     t,
			})
		}
	}
	return items
}

// SecurePort returns the port of the first secure item, or 0.
func (c *Config) SecurePort() int {
	for _, s := range c.Server {
		if s.Secure {
			return s.Port
		}
	}
	return 0
}

// ServerArguments returns the arguments passed to the scrcpy server. An
// explicit serverArgs wins; otherwise they are built from the version and
// the port the server listens on inside the device.
func (s ScrcpyConfig) ServerArguments() string {
	if s.ServerArgs != "" {
		return s.ServerArgs
	}
	if s.ServerVersion == "" {
		return ""
	}
	return fmt.Sprintf("%s web ERROR %d", s.ServerVersion, s.RemotePort)
}

// TLSConfig loads the certificate of a secure item. It returns nil for
// plain items.
func (s ServerItem) TLSConfig() (*tls.Config, error) {
	if !s.Secure {
		return nil, nil
	}
	if s.Options == nil {
		return nil, fmt.Errorf("%w: secure server requires options", ErrInvalidConfig)
	}
	certPEM, err := readPEM(s.Options.Cert, s.Options.CertPath)
	if err != nil {
		return nil, fmt.Errorf("certificate: %w", err)
	}
	keyPEM, err := readPEM(s.Options.Key, s.Options.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("key: %w", err)
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

func readPEM(inline, path string) ([]byte, error) {
	if inline != "" {
		return []byte(inline), nil
	}
	return os.ReadFile(path)
}

// StringList is a list that may be written as a single string.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		*l = StringList{s}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*l = list
		return nil
	default:
		return fmt.Errorf("line %d: expected a string or a list of strings", value.Line)
	}
}

// Duration is a time.Duration written as a Go duration string ("1.5s").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
