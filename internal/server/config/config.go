package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	APIVersion = "lambdo.io/v1alpha1"
	Kind       = "Config"

	DefaultPath = "/etc/lambdo/config.yaml"

	defaultWebHost       = "0.0.0.0"
	defaultWebPort       = 3000
	defaultBridgeName    = "lambdo0"
	defaultBridgeAddress = "192.168.10.1/24"
	defaultNetworkDriver = NetworkDriverNetlink
	defaultImagesKind    = ImagesFolder
	defaultImagesPath    = "/var/lib/lambdo/images"
	defaultBackendKind   = BackendFirecracker
	defaultRuntimeDir    = "~/.lambdo/run"
	defaultLogDir        = "~/.lambdo/logs"
	defaultDBPath        = "~/.lambdo/state.db"
	defaultTimeout       = 30 * time.Second
	defaultVCPUs         = 1
	defaultMemoryMB      = 128
)

const (
	NetworkDriverNetlink = "netlink"
	NetworkDriverMemory  = "memory"

	ImagesFolder = "folder"
	ImagesURL    = "url"

	BackendFirecracker     = "firecracker"
	BackendCloudHypervisor = "cloud-hypervisor"
	BackendStub            = "stub"
)

// maxInterfaceName is IFNAMSIZ minus the trailing NUL.
const maxInterfaceName = 15

// ErrKindNotSupported and ErrVersionNotSupported reject foreign documents.
var (
	ErrKindNotSupported    = errors.New("config: unsupported config kind")
	ErrVersionNotSupported = errors.New("config: unsupported config api version")
)

// ValidationError reports a field holding an unusable value.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: invalid %s: %s", e.Field, e.Reason)
}

// Config is the daemon configuration document.
type Config struct {
	APIVersion string        `yaml:"apiVersion"`
	Kind       string        `yaml:"kind"`
	API        APIConfig     `yaml:"api"`
	Images     ImagesConfig  `yaml:"images"`
	Backend    BackendConfig `yaml:"backend"`
	State      StateConfig   `yaml:"state"`
}

// APIConfig holds listener and host networking settings.
type APIConfig struct {
	WebHost       string `yaml:"web_host"`
	WebPort       int    `yaml:"web_port"`
	AdminListen   string `yaml:"admin_listen"`
	Bridge        string `yaml:"bridge"`
	BridgeAddress string `yaml:"bridge_address"`
	NetworkDriver string `yaml:"network_driver"`
}

// ImagesConfig selects how image ids resolve to local files.
type ImagesConfig struct {
	Kind string `yaml:"kind"`
	Path string `yaml:"path"`
}

// BackendConfig selects and tunes the execution backend.
type BackendConfig struct {
	Kind       string        `yaml:"kind"`
	Binary     string        `yaml:"binary"`
	RuntimeDir string        `yaml:"runtime_dir"`
	LogDir     string        `yaml:"log_dir"`
	Timeout    time.Duration `yaml:"timeout"`
	VCPUs      int           `yaml:"vcpus"`
	MemoryMB   int           `yaml:"memory_mb"`
}

// StateConfig locates the VM journal.
type StateConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// Default returns a configuration populated with defaults only.
func Default() Config {
	return Config{
		APIVersion: APIVersion,
		Kind:       Kind,
		API: APIConfig{
			WebHost:       defaultWebHost,
			WebPort:       defaultWebPort,
			Bridge:        defaultBridgeName,
			BridgeAddress: defaultBridgeAddress,
			NetworkDriver: defaultNetworkDriver,
		},
		Images: ImagesConfig{
			Kind: defaultImagesKind,
			Path: defaultImagesPath,
		},
		Backend: BackendConfig{
			Kind:       defaultBackendKind,
			RuntimeDir: defaultRuntimeDir,
			LogDir:     defaultLogDir,
			Timeout:    defaultTimeout,
			VCPUs:      defaultVCPUs,
			MemoryMB:   defaultMemoryMB,
		},
		State: StateConfig{DatabasePath: defaultDBPath},
	}
}

// Load reads the YAML document at path, applies environment overrides and
// validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: load %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML document on top of the defaults.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	cfg.APIVersion = ""
	cfg.Kind = ""

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	if cfg.Kind != Kind {
		return Config{}, ErrKindNotSupported
	}
	if cfg.APIVersion != APIVersion {
		return Config{}, ErrVersionNotSupported
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	cfg.expandPaths()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.API.WebHost = getenv("LAMBDO_WEB_HOST", c.API.WebHost)
	c.API.AdminListen = getenv("LAMBDO_ADMIN_LISTEN", c.API.AdminListen)
	c.API.Bridge = getenv("LAMBDO_BRIDGE", c.API.Bridge)
	c.API.BridgeAddress = getenv("LAMBDO_BRIDGE_ADDRESS", c.API.BridgeAddress)
	c.API.NetworkDriver = getenv("LAMBDO_NETWORK_DRIVER", c.API.NetworkDriver)
	c.Images.Kind = getenv("LAMBDO_IMAGES_KIND", c.Images.Kind)
	c.Images.Path = getenv("LAMBDO_IMAGES_PATH", c.Images.Path)
	c.Backend.Kind = getenv("LAMBDO_BACKEND", c.Backend.Kind)
	c.Backend.Binary = getenv("LAMBDO_BACKEND_BINARY", c.Backend.Binary)
	c.Backend.RuntimeDir = getenv("LAMBDO_RUNTIME_DIR", c.Backend.RuntimeDir)
	c.Backend.LogDir = getenv("LAMBDO_LOG_DIR", c.Backend.LogDir)
	c.State.DatabasePath = getenv("LAMBDO_DB_PATH", c.State.DatabasePath)

	if v := os.Getenv("LAMBDO_WEB_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return &ValidationError{Field: "LAMBDO_WEB_PORT", Reason: err.Error()}
		}
		c.API.WebPort = port
	}
	if v := os.Getenv("LAMBDO_BACKEND_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return &ValidationError{Field: "LAMBDO_BACKEND_TIMEOUT", Reason: err.Error()}
		}
		c.Backend.Timeout = d
	}
	return nil
}

func (c *Config) expandPaths() {
	c.Images.Path = expandPath(c.Images.Path)
	c.Backend.RuntimeDir = expandPath(c.Backend.RuntimeDir)
	c.Backend.LogDir = expandPath(c.Backend.LogDir)
	c.State.DatabasePath = expandPath(c.State.DatabasePath)
}

// Validate checks every field the daemon relies on before touching the host.
func (c Config) Validate() error {
	if strings.TrimSpace(c.API.WebHost) == "" {
		return &ValidationError{Field: "api.web_host", Reason: "required"}
	}
	if c.API.WebPort <= 0 || c.API.WebPort > 65535 {
		return &ValidationError{Field: "api.web_port", Reason: fmt.Sprintf("%d out of range", c.API.WebPort)}
	}
	if c.API.AdminListen != "" {
		if _, _, err := net.SplitHostPort(c.API.AdminListen); err != nil {
			return &ValidationError{Field: "api.admin_listen", Reason: err.Error()}
		}
	}
	if c.API.Bridge == "" {
		return &ValidationError{Field: "api.bridge", Reason: "required"}
	}
	if len(c.API.Bridge) > maxInterfaceName {
		return &ValidationError{Field: "api.bridge", Reason: fmt.Sprintf("%q longer than %d bytes", c.API.Bridge, maxInterfaceName)}
	}
	if _, _, err := net.ParseCIDR(c.API.BridgeAddress); err != nil {
		return &ValidationError{Field: "api.bridge_address", Reason: err.Error()}
	}
	switch c.API.NetworkDriver {
	case NetworkDriverNetlink, NetworkDriverMemory:
	default:
		return &ValidationError{Field: "api.network_driver", Reason: fmt.Sprintf("unknown driver %q", c.API.NetworkDriver)}
	}
	switch c.Images.Kind {
	case ImagesFolder, ImagesURL:
	default:
		return &ValidationError{Field: "images.kind", Reason: fmt.Sprintf("unknown kind %q", c.Images.Kind)}
	}
	if c.Images.Path == "" {
		return &ValidationError{Field: "images.path", Reason: "required"}
	}
	switch c.Backend.Kind {
	case BackendFirecracker, BackendCloudHypervisor, BackendStub:
	default:
		return &ValidationError{Field: "backend.kind", Reason: fmt.Sprintf("unknown kind %q", c.Backend.Kind)}
	}
	if c.Backend.Timeout <= 0 {
		return &ValidationError{Field: "backend.timeout", Reason: "must be positive"}
	}
	if c.Backend.VCPUs <= 0 {
		return &ValidationError{Field: "backend.vcpus", Reason: "must be positive"}
	}
	if c.Backend.MemoryMB <= 0 {
		return &ValidationError{Field: "backend.memory_mb", Reason: "must be positive"}
	}
	return nil
}

// ListenAddr is the host:port the HTTP API binds to.
func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.API.WebHost, strconv.Itoa(c.API.WebPort))
}

// BackendBinary returns the configured hypervisor binary or the kind's default.
func (c Config) BackendBinary() string {
	if c.Backend.Binary != "" {
		return c.Backend.Binary
	}
	switch c.Backend.Kind {
	case BackendCloudHypervisor:
		return "cloud-hypervisor"
	default:
		return "firecracker"
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func expandPath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return filepath.Clean(path)
}
