package setup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/ccheshirecat/lambdo/internal/server/config"
)

// Options controls the behaviour of the setup routine.
type Options struct {
	// Config supplies the directories, bridge and backend to prepare for.
	Config config.Config
	// ConfigPath is where the daemon config is written when absent.
	ConfigPath string
	// ServicePath, when set, receives a systemd unit for lambdod.
	ServicePath string
	// BinaryPath is the lambdod executable referenced by the unit.
	BinaryPath string
	DryRun     bool
	// ProcSysRoot defaults to /proc/sys.
	ProcSysRoot string
}

// Result collects output and executed commands.
type Result struct {
	Commands []string
}

var geteuid = os.Geteuid

// Run prepares the host for lambdod: state directories, IPv4 forwarding,
// a default config file and optionally a systemd unit. Bridge and NAT rules
// are installed by the daemon itself at startup.
func Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.ConfigPath == "" {
		opts.ConfigPath = config.DefaultPath
	}
	if opts.ProcSysRoot == "" {
		opts.ProcSysRoot = "/proc/sys"
	}
	cfg := opts.Config

	res := &Result{}

	if !opts.DryRun {
		if geteuid() != 0 {
			return nil, errors.New("lambdod setup must be run as root (use --dry-run to preview)")
		}
	}

	dirs := map[string]string{
		"runtime dir": cfg.Backend.RuntimeDir,
		"log dir":     cfg.Backend.LogDir,
	}
	if cfg.Images.Kind == config.ImagesFolder || cfg.Images.Kind == config.ImagesURL {
		dirs["images dir"] = cfg.Images.Path
	}
	if cfg.State.DatabasePath != "" {
		dirs["state dir"] = filepath.Dir(cfg.State.DatabasePath)
	}
	for _, label := range []string{"runtime dir", "log dir", "images dir", "state dir"} {
		raw, ok := dirs[label]
		if !ok {
			continue
		}
		path, err := expand(raw)
		if err != nil {
			return nil, fmt.Errorf("expand %s: %w", label, err)
		}
		if err := ensureDir(path, opts.DryRun, res); err != nil {
			return nil, err
		}
	}

	if cfg.Backend.Kind != config.BackendStub {
		if err := ensureBinary(cfg.BackendBinary()); err != nil && !opts.DryRun {
			return nil, err
		}
	}

	if cfg.API.NetworkDriver == config.NetworkDriverNetlink {
		forward := filepath.Join(opts.ProcSysRoot, "net", "ipv4", "ip_forward")
		if err := writeFile(forward, "1\n", opts.DryRun, res); err != nil {
			return nil, err
		}
	}

	if _, err := os.Stat(opts.ConfigPath); errors.Is(err, os.ErrNotExist) {
		if err := ensureDir(filepath.Dir(opts.ConfigPath), opts.DryRun, res); err != nil {
			return nil, err
		}
		if err := writeFile(opts.ConfigPath, RenderConfig(cfg), opts.DryRun, res); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("stat config: %w", err)
	}

	if opts.ServicePath != "" {
		binaryPath, err := expand(opts.BinaryPath)
		if err != nil {
			return nil, fmt.Errorf("expand binary path: %w", err)
		}
		if binaryPath == "" {
			return nil, errors.New("server binary path required when writing service file")
		}
		logDir, err := expand(cfg.Backend.LogDir)
		if err != nil {
			return nil, fmt.Errorf("expand log dir: %w", err)
		}
		if err := ensureDir(filepath.Dir(opts.ServicePath), opts.DryRun, res); err != nil {
			return nil, err
		}
		unit := RenderService(binaryPath, opts.ConfigPath, filepath.Join(logDir, "lambdod.log"))
		if err := writeFile(opts.ServicePath, unit, opts.DryRun, res); err != nil {
			return nil, err
		}
		if err := runCommand(ctx, []string{"systemctl", "daemon-reload"}, opts.DryRun, res, false); err != nil {
			return nil, err
		}
		if err := runCommand(ctx, []string{"systemctl", "enable", "--now", "lambdod"}, opts.DryRun, res, true); err != nil {
			return nil, err
		}
	}

	return res, nil
}

// RenderConfig produces a config document that config.Parse accepts.
func RenderConfig(cfg config.Config) string {
	var b strings.Builder
	fmt.Fprintf(&b, "apiVersion: %s\nkind: %s\n", config.APIVersion, config.Kind)
	fmt.Fprintf(&b, "api:\n  web_host: %q\n  web_port: %d\n", cfg.API.WebHost, cfg.API.WebPort)
	if cfg.API.AdminListen != "" {
		fmt.Fprintf(&b, "  admin_listen: %q\n", cfg.API.AdminListen)
	}
	fmt.Fprintf(&b, "  bridge: %q\n  bridge_address: %q\n  network_driver: %s\n", cfg.API.Bridge, cfg.API.BridgeAddress, cfg.API.NetworkDriver)
	fmt.Fprintf(&b, "images:\n  kind: %s\n  path: %q\n", cfg.Images.Kind, cfg.Images.Path)
	fmt.Fprintf(&b, "backend:\n  kind: %s\n", cfg.Backend.Kind)
	if cfg.Backend.Binary != "" {
		fmt.Fprintf(&b, "  binary: %q\n", cfg.Backend.Binary)
	}
	fmt.Fprintf(&b, "  runtime_dir: %q\n  log_dir: %q\n  timeout: %s\n  vcpus: %d\n  memory_mb: %d\n",
		cfg.Backend.RuntimeDir, cfg.Backend.LogDir, cfg.Backend.Timeout, cfg.Backend.VCPUs, cfg.Backend.MemoryMB)
	fmt.Fprintf(&b, "state:\n  database_path: %q\n", cfg.State.DatabasePath)
	return b.String()
}

// RenderService produces the systemd unit for lambdod.
func RenderService(binaryPath, configPath, logFile string) string {
	return fmt.Sprintf(`[Unit]
Description=Lambdo microVM control plane
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
User=root
Group=root
ExecStart=%s --config %s
Restart=always
RestartSec=5
KillSignal=SIGTERM
TimeoutStopSec=90
StandardOutput=append:%s
StandardError=append:%s

[Install]
WantedBy=multi-user.target
`, binaryPath, configPath, logFile, logFile)
}

func expand(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			home = os.Getenv("HOME")
		}
		if home == "" && geteuid() == 0 {
			home = "/root"
		}
		if home == "" {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return filepath.Abs(path)
}

func ensureBinary(name string) error {
	if _, err := exec.LookPath(name); err != nil {
		return fmt.Errorf("required binary %s not found in PATH", name)
	}
	return nil
}

func ensureDir(path string, dryRun bool, res *Result) error {
	if path == "" {
		return errors.New("directory path cannot be empty")
	}
	res.Commands = append(res.Commands, fmt.Sprintf("mkdir -p %s", path))
	if dryRun {
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create dir %s: %w", path, err)
	}
	return nil
}

func runCommand(ctx context.Context, args []string, dryRun bool, res *Result, ignoreErrors bool) error {
	res.Commands = append(res.Commands, strings.Join(args, " "))
	if dryRun {
		return nil
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	if err := cmd.Run(); err != nil {
		if ignoreErrors {
			return nil
		}
		return fmt.Errorf("run %v: %w", args, err)
	}
	return nil
}

func writeFile(path, data string, dryRun bool, res *Result) error {
	res.Commands = append(res.Commands, fmt.Sprintf("write %s", path))
	if dryRun {
		return nil
	}
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
