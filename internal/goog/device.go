package goog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/standardbeagle/scrcpyhub/internal/protocol"
)

var (
	// ErrServerNotFound is returned when the scrcpy server process could not
	// be found after starting it.
	ErrServerNotFound = errors.New("scrcpy server not found")
	// ErrDeviceNotReady is returned for operations that need an online
	// device.
	ErrDeviceNotReady = errors.New("device is not ready")
)

const (
	// ServerRemotePath is where the scrcpy server jar is pushed on the device.
	ServerRemotePath = "/data/local/tmp/scrcpy-server.jar"
	// ServerClass is the main class of the scrcpy server.
	ServerClass = "com.genymobile.scrcpy.Server"
)

// DeviceADB is the subset of the adb client a Device needs.
type DeviceADB interface {
	Shell(ctx context.Context, serial, command string) (string, error)
	Push(ctx context.Context, serial string, r io.Reader, remotePath string, perm os.FileMode, mtime time.Time) error
}

// ServerConfig describes how the scrcpy server is started on a device.
type ServerConfig struct {
	// JarPath is the local path of the server jar.
	JarPath string
	// Args follow the server class name on the app_process command line.
	Args string
	// PollInterval and PollAttempts bound the wait for the server process
	// to appear or disappear.
	PollInterval time.Duration
	PollAttempts int
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.PollAttempts <= 0 {
		c.PollAttempts = 10
	}
	return c
}

// deviceOptions are shared by every Device of one ControlCenter.
type deviceOptions struct {
	adb       DeviceADB
	server    ServerConfig
	fetchInfo bool
	ctx       context.Context
	logger    *slog.Logger
	now       func() time.Time
}

// Device is the session of one Android device. It is created the first
// time its serial is seen and lives as long as the ControlCenter; a
// detached device keeps its Device with state disconnected.
//
// Operations on the device (server start/kill, info refresh) are
// serialized. Descriptor changes are reported to the update callback in
// the order they were made.
type Device struct {
	udid     string
	opts     deviceOptions
	logger   *slog.Logger
	onUpdate func(protocol.DeviceDescriptor)

	// opMu serializes device operations.
	opMu sync.Mutex

	// notifyMu serializes descriptor updates with their notifications.
	notifyMu   sync.Mutex
	mu         sync.Mutex
	descriptor protocol.DeviceDescriptor
}

func newDevice(udid string, opts deviceOptions, onUpdate func(protocol.DeviceDescriptor)) *Device {
	return &Device{
		udid:     udid,
		opts:     opts,
		logger:   opts.logger.With("udid", udid),
		onUpdate: onUpdate,
		descriptor: protocol.DeviceDescriptor{
			UDID:       udid,
			Interfaces: []protocol.NetInterface{},
			PID:        -1,
		},
	}
}

// UDID returns the device serial.
func (d *Device) UDID() string {
	return d.udid
}

// Descriptor returns a snapshot of the device.
func (d *Device) Descriptor() protocol.DeviceDescriptor {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.descriptor.Clone()
}

// State returns the current connectivity state.
func (d *Device) State() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.descriptor.State
}

// update applies fn to the descriptor and reports the new snapshot when
// its content changed.
func (d *Device) update(fn func(desc *protocol.DeviceDescriptor)) bool {
	d.notifyMu.Lock()
	defer d.notifyMu.Unlock()

	d.mu.Lock()
	before := d.descriptor.Clone()
	fn(&d.descriptor)
	changed := !d.descriptor.SameContent(before)
	if changed {
		d.descriptor.LastUpdateStamp = d.opts.now().UnixMilli()
	}
	snapshot := d.descriptor.Clone()
	d.mu.Unlock()

	if changed && d.onUpdate != nil {
		d.onUpdate(snapshot)
	}
	return changed
}

// SetState records a new connectivity state. It reports whether the
// descriptor changed. A device that comes online has its properties,
// interfaces and server pid refreshed in the background.
func (d *Device) SetState(state string) bool {
	var cameOnline bool
	changed := d.update(func(desc *protocol.DeviceDescriptor) {
		cameOnline = desc.State != protocol.DeviceStateDevice && state == protocol.DeviceStateDevice
		desc.State = state
		if state != protocol.DeviceStateDevice {
			desc.PID = -1
		}
	})
	if cameOnline && d.opts.fetchInfo {
		go d.refresh()
	}
	return changed
}

func (d *Device) refresh() {
	ctx, cancel := context.WithTimeout(d.opts.ctx, 30*time.Second)
	defer cancel()
	if err := d.FetchInfo(ctx); err != nil && ctx.Err() == nil {
		d.logger.Warn("fetch device info", "error", err)
	}
}

// FetchInfo reads device properties, network interfaces and the scrcpy
// server pid. Whatever could be read is applied even when a step fails.
func (d *Device) FetchInfo(ctx context.Context) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	if d.State() != protocol.DeviceStateDevice {
		return ErrDeviceNotReady
	}

	var errs []error
	props, err := d.shell(ctx, "getprop")
	if err != nil {
		errs = append(errs, err)
	}
	ifaces, ierr := d.interfaces(ctx)
	if ierr != nil {
		errs = append(errs, ierr)
	}
	pid, perr := d.serverPid(ctx)
	if perr != nil {
		errs = append(errs, perr)
	}

	d.update(func(desc *protocol.DeviceDescriptor) {
		if err == nil {
			applyProps(desc, parseGetprop(props))
		}
		if ierr == nil {
			desc.Interfaces = ifaces
		}
		if perr == nil {
			desc.PID = pid
		}
	})
	return errors.Join(errs...)
}

// UpdateInterfaces re-reads the network interfaces of the device.
func (d *Device) UpdateInterfaces(ctx context.Context) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	ifaces, err := d.interfaces(ctx)
	if err != nil {
		return err
	}
	d.update(func(desc *protocol.DeviceDescriptor) {
		desc.Interfaces = ifaces
	})
	return nil
}

// StartServer pushes the scrcpy server to the device, launches it and
// waits for its process to appear. It returns the server pid. A server
// that already runs is left alone.
func (d *Device) StartServer(ctx context.Context) (int, error) {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	if state := d.State(); state != protocol.DeviceStateDevice {
		return 0, fmt.Errorf("%w: state %q", ErrDeviceNotReady, state)
	}

	if pid, err := d.serverPid(ctx); err == nil && pid > 0 {
		d.setPid(pid)
		return pid, nil
	}

	if err := d.pushServer(ctx); err != nil {
		return 0, err
	}

	cmd := fmt.Sprintf("CLASSPATH=%s nohup app_process / %s %s >/dev/null 2>&1 &",
		ServerRemotePath, ServerClass, d.opts.server.Args)
	if _, err := d.shell(ctx, cmd); err != nil {
		return 0, err
	}

	server := d.opts.server
	for attempt := 0; attempt < server.PollAttempts; attempt++ {
		pid, err := d.serverPid(ctx)
		if err != nil {
			return 0, err
		}
		if pid > 0 {
			d.logger.Info("scrcpy server started", "pid", pid)
			d.setPid(pid)
			return pid, nil
		}
		if err := sleep(ctx, server.PollInterval); err != nil {
			return 0, err
		}
	}
	return 0, ErrServerNotFound
}

// KillServer kills the scrcpy server process pid and waits for it to exit.
func (d *Device) KillServer(ctx context.Context, pid int) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if _, err := d.shell(ctx, fmt.Sprintf("kill %d", pid)); err != nil {
		return err
	}

	server := d.opts.server
	for attempt := 0; attempt < server.PollAttempts; attempt++ {
		current, err := d.serverPid(ctx)
		if err != nil {
			return err
		}
		if current != pid {
			d.logger.Info("scrcpy server killed", "pid", pid)
			d.setPid(current)
			return nil
		}
		if err := sleep(ctx, server.PollInterval); err != nil {
			return err
		}
	}
	return fmt.Errorf("scrcpy server %d is still running", pid)
}

func (d *Device) setPid(pid int) {
	d.update(func(desc *protocol.DeviceDescriptor) {
		desc.PID = pid
	})
}

func (d *Device) pushServer(ctx context.Context) error {
	jar := d.opts.server.JarPath
	if jar == "" {
		return errors.New("scrcpy server jar is not configured")
	}
	f, err := os.Open(jar)
	if err != nil {
		return fmt.Errorf("open server jar: %w", err)
	}
	defer f.Close()

	if err := d.opts.adb.Push(ctx, d.udid, f, ServerRemotePath, 0o644, time.Now()); err != nil {
		return fmt.Errorf("push server: %w", err)
	}
	return nil
}

// serverPid returns the pid of the running scrcpy server, or -1.
func (d *Device) serverPid(ctx context.Context) (int, error) {
	out, err := d.shell(ctx, "pidof app_process")
	if err != nil {
		return -1, err
	}
	for _, pid := range parsePids(out) {
		cmdline, err := d.shell(ctx, fmt.Sprintf("cat /proc/%d/cmdline", pid))
		if err != nil {
			continue
		}
		if strings.Contains(cmdline, ServerClass) {
			return pid, nil
		}
	}
	return -1, nil
}

func (d *Device) interfaces(ctx context.Context) ([]protocol.NetInterface, error) {
	out, err := d.shell(ctx, "ip -4 -f inet -o a")
	if err != nil {
		return nil, err
	}
	return parseInterfaces(out), nil
}

func (d *Device) shell(ctx context.Context, command string) (string, error) {
	out, err := d.opts.adb.Shell(ctx, d.udid, command)
	if err != nil {
		return "", fmt.Errorf("%s: %w", command, err)
	}
	return out, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
