// Package goog is the Android side of scrcpyhub: a session per attached
// device and the ControlCenter registry that tracks them through the adb
// server and executes device commands.
package goog

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/standardbeagle/scrcpyhub/internal/adb"
	"github.com/standardbeagle/scrcpyhub/internal/metrics"
	"github.com/standardbeagle/scrcpyhub/internal/protocol"
)

// Platform labels Android metrics and host announcements.
const Platform = "android"

// ErrUnsupportedCommand is returned by RunCommand for unknown command kinds.
var ErrUnsupportedCommand = errors.New("unsupported command")

// Tracker is a live device tracking subscription.
type Tracker interface {
	// Changes is closed when the subscription ends.
	Changes() <-chan adb.ChangeSet
	// Err is nil when the subscription ended cleanly.
	Err() error
	Close() error
}

// Client is what the ControlCenter needs from the adb server.
type Client interface {
	DeviceADB
	ListDevices(ctx context.Context) ([]adb.DeviceEntry, error)
	TrackDevices(ctx context.Context) (Tracker, error)
}

type adbClient struct {
	*adb.Client
}

func (c adbClient) TrackDevices(ctx context.Context) (Tracker, error) {
	t, err := c.Client.TrackDevices(ctx)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// FromADB adapts an adb client to Client.
func FromADB(c *adb.Client) Client {
	return adbClient{Client: c}
}

// State is the state of the tracking subscription.
type State int

const (
	StateUninitialized State = iota
	StateStarting
	StateRunning
	StateRestarting
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateRestarting:
		return "restarting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config configures a ControlCenter.
type Config struct {
	Client Client
	Server ServerConfig

	// BaseDelay is the first restart delay after the tracking subscription
	// goes down. Each consecutive failure multiplies it by Factor, up to
	// MaxDelay. A change set or a successful start resets it.
	BaseDelay time.Duration
	Factor    float64
	MaxDelay  time.Duration

	// SkipInfoFetch disables reading properties of devices that come online.
	SkipInfoFetch bool

	Hostname string
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Listener receives device descriptors as they change.
type Listener func(protocol.DeviceDescriptor)

type timer interface {
	Stop() bool
}

// ControlCenter is the registry of Android devices attached to the local
// adb server. Create one per process and share it; it owns the only
// tracking subscription.
type ControlCenter struct {
	client  Client
	logger  *slog.Logger
	metrics *metrics.Metrics
	id      string
	name    string
	devOpts deviceOptions

	ctx    context.Context
	cancel context.CancelFunc

	afterFunc func(time.Duration, func()) timer

	// initMu serializes Init.
	initMu sync.Mutex

	mu           sync.Mutex
	state        State
	tracker      Tracker
	backoff      *backoff.Backoff
	restartTimer timer
	released     bool
	devices      map[string]*Device
	descriptors  map[string]protocol.DeviceDescriptor
	listeners    map[int]Listener
	nextListener int
}

// New creates a ControlCenter. It does nothing until Start or Init.
func New(config Config) *ControlCenter {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = time.Second
	}
	if config.Factor <= 1 {
		config.Factor = 1.2
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 10 * time.Minute
	}
	if config.Hostname == "" {
		config.Hostname, _ = os.Hostname()
	}

	logger := config.Logger.With("component", "control-center", "platform", Platform)
	ctx, cancel := context.WithCancel(context.Background())

	sum := md5.Sum([]byte(fmt.Sprintf("goog|%s|%d", config.Hostname, time.Now().Unix())))

	cc := &ControlCenter{
		client:  config.Client,
		logger:  logger,
		metrics: config.Metrics,
		id:      hex.EncodeToString(sum[:]),
		name:    fmt.Sprintf("aDevice Tracker [%s]", config.Hostname),
		ctx:     ctx,
		cancel:  cancel,
		afterFunc: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
		backoff: &backoff.Backoff{
			Min:    config.BaseDelay,
			Max:    config.MaxDelay,
			Factor: config.Factor,
		},
		devices:     make(map[string]*Device),
		descriptors: make(map[string]protocol.DeviceDescriptor),
		listeners:   make(map[int]Listener),
	}
	cc.devOpts = deviceOptions{
		adb:       config.Client,
		server:    config.Server.withDefaults(),
		fetchInfo: !config.SkipInfoFetch,
		ctx:       ctx,
		logger:    logger,
		now:       time.Now,
	}
	return cc
}

// ID identifies this registry to clients. It is stable for the lifetime of
// the process.
func (cc *ControlCenter) ID() string {
	return cc.id
}

// Name is the human readable tracker name shown by clients.
func (cc *ControlCenter) Name() string {
	return cc.name
}

// State returns the state of the tracking subscription.
func (cc *ControlCenter) State() State {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.state
}

// Start initializes the registry. A failure is logged and retried with
// backoff; it is never returned.
func (cc *ControlCenter) Start(ctx context.Context) {
	if err := cc.Init(ctx); err != nil {
		cc.logger.Error("failed to init device tracker", "name", cc.name, "error", err)
		cc.scheduleRestart()
	}
}

// Init opens the tracking subscription and loads the current device list.
// It returns immediately once the registry is running.
func (cc *ControlCenter) Init(ctx context.Context) error {
	cc.initMu.Lock()
	defer cc.initMu.Unlock()

	cc.mu.Lock()
	if cc.released {
		cc.mu.Unlock()
		return errors.New("control center released")
	}
	if cc.state == StateRunning {
		cc.mu.Unlock()
		return nil
	}
	prev := cc.state
	cc.state = StateStarting
	cc.mu.Unlock()

	fail := func(err error) error {
		cc.mu.Lock()
		cc.state = prev
		cc.mu.Unlock()
		return err
	}

	tracker, err := cc.client.TrackDevices(ctx)
	if err != nil {
		return fail(fmt.Errorf("track devices: %w", err))
	}
	list, err := cc.client.ListDevices(ctx)
	if err != nil {
		tracker.Close()
		return fail(fmt.Errorf("list devices: %w", err))
	}
	for _, e := range list {
		cc.handleConnected(e.ID, e.Type)
	}

	cc.mu.Lock()
	if cc.released {
		cc.mu.Unlock()
		tracker.Close()
		return errors.New("control center released")
	}
	old := cc.tracker
	cc.tracker = tracker
	cc.state = StateRunning
	cc.backoff.Reset()
	if cc.restartTimer != nil {
		cc.restartTimer.Stop()
		cc.restartTimer = nil
	}
	cc.mu.Unlock()

	if old != nil {
		old.Close()
	}
	cc.logger.Info("device tracker running", "devices", len(list))
	go cc.watch(tracker)
	return nil
}

// watch applies change sets until the subscription ends, then schedules a
// restart unless the subscription was stopped on purpose.
func (cc *ControlCenter) watch(t Tracker) {
	for cs := range t.Changes() {
		cc.onChangeSet(cs)
	}

	cc.mu.Lock()
	current := cc.tracker == t
	cc.mu.Unlock()
	if !current {
		return
	}

	if err := t.Err(); err != nil {
		cc.logger.Warn("device tracker failed", "error", err)
	} else {
		cc.logger.Warn("device tracker ended")
	}
	cc.scheduleRestart()
}

func (cc *ControlCenter) onChangeSet(cs adb.ChangeSet) {
	cc.mu.Lock()
	cc.backoff.Reset()
	cc.mu.Unlock()

	for _, e := range cs.Added {
		cc.handleConnected(e.ID, e.Type)
	}
	for _, e := range cs.Removed {
		cc.handleConnected(e.ID, protocol.DeviceStateDisconnected)
	}
	for _, e := range cs.Changed {
		cc.handleConnected(e.ID, e.Type)
	}
}

// handleConnected pushes a state into the device with udid, creating the
// device the first time it is seen.
func (cc *ControlCenter) handleConnected(udid, state string) {
	cc.mu.Lock()
	d, ok := cc.devices[udid]
	if !ok {
		d = newDevice(udid, cc.devOpts, cc.onDeviceUpdate)
		cc.devices[udid] = d
	}
	cc.mu.Unlock()

	d.SetState(state)
}

func (cc *ControlCenter) onDeviceUpdate(desc protocol.DeviceDescriptor) {
	cc.mu.Lock()
	cc.descriptors[desc.UDID] = desc
	listeners := make([]Listener, 0, len(cc.listeners))
	ids := make([]int, 0, len(cc.listeners))
	for id := range cc.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		listeners = append(listeners, cc.listeners[id])
	}
	counts := make(map[string]int)
	for _, d := range cc.descriptors {
		counts[d.State]++
	}
	cc.mu.Unlock()

	cc.metrics.SetDeviceCounts(Platform, counts)
	for _, l := range listeners {
		l(desc.Clone())
	}
}

// scheduleRestart arms the restart timer. At most one timer is pending.
func (cc *ControlCenter) scheduleRestart() {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.restartTimer != nil || cc.released {
		return
	}
	delay := cc.backoff.Duration()
	cc.state = StateRestarting
	cc.restartTimer = cc.afterFunc(delay, cc.restart)
	cc.metrics.TrackerRestart(Platform)
	cc.logger.Info("device tracker is down, restarting", "delay", delay)
}

func (cc *ControlCenter) restart() {
	cc.mu.Lock()
	cc.restartTimer = nil
	released := cc.released
	cc.mu.Unlock()
	if released {
		return
	}

	cc.stopTracker()
	ctx, cancel := context.WithTimeout(cc.ctx, 30*time.Second)
	defer cancel()
	if err := cc.Init(ctx); err != nil {
		cc.logger.Warn("device tracker restart failed", "error", err)
		cc.scheduleRestart()
	}
}

func (cc *ControlCenter) stopTracker() {
	cc.mu.Lock()
	t := cc.tracker
	cc.tracker = nil
	if cc.state == StateRunning {
		cc.state = StateUninitialized
	}
	cc.mu.Unlock()

	if t != nil {
		t.Close()
	}
}

// Release stops tracking and cancels pending restarts and device
// operations. The registry cannot be started again.
func (cc *ControlCenter) Release() {
	cc.mu.Lock()
	cc.released = true
	if cc.restartTimer != nil {
		cc.restartTimer.Stop()
		cc.restartTimer = nil
	}
	cc.mu.Unlock()

	cc.stopTracker()
	cc.cancel()

	cc.mu.Lock()
	cc.state = StateUninitialized
	cc.mu.Unlock()
}

// Subscribe registers l for device changes. The returned function removes
// it; after it returns l is not called again.
func (cc *ControlCenter) Subscribe(l Listener) (unsubscribe func()) {
	cc.mu.Lock()
	id := cc.nextListener
	cc.nextListener++
	cc.listeners[id] = l
	cc.mu.Unlock()

	return func() {
		cc.mu.Lock()
		delete(cc.listeners, id)
		cc.mu.Unlock()
	}
}

// GetDevices returns the last known descriptor of every device, ordered by
// udid.
func (cc *ControlCenter) GetDevices() []protocol.DeviceDescriptor {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	list := make([]protocol.DeviceDescriptor, 0, len(cc.descriptors))
	for _, d := range cc.descriptors {
		list = append(list, d.Clone())
	}
	sort.Slice(list, func(i, j int) bool { return list[i].UDID < list[j].UDID })
	return list
}

// GetDevice returns the session of udid, or nil.
func (cc *ControlCenter) GetDevice(udid string) *Device {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.devices[udid]
}

// RunCommand executes cmd against its device. A command for an unknown
// device is logged and dropped. Unknown command kinds fail with
// ErrUnsupportedCommand before any device is touched.
func (cc *ControlCenter) RunCommand(ctx context.Context, cmd *protocol.ControlCenterCommand) error {
	switch cmd.Type {
	case protocol.CommandKillServer, protocol.CommandStartServer, protocol.CommandUpdateInterfaces:
	default:
		cc.metrics.Command(string(cmd.Type), metrics.ResultRejected)
		return fmt.Errorf("%w: %q", ErrUnsupportedCommand, cmd.Type)
	}

	d := cc.GetDevice(cmd.UDID)
	if d == nil {
		cc.logger.Warn("device not found", "udid", cmd.UDID, "command", cmd.Type)
		cc.metrics.Command(string(cmd.Type), metrics.ResultUnhandled)
		return nil
	}

	var err error
	switch cmd.Type {
	case protocol.CommandKillServer:
		err = d.KillServer(ctx, cmd.PID)
	case protocol.CommandStartServer:
		_, err = d.StartServer(ctx)
	case protocol.CommandUpdateInterfaces:
		err = d.UpdateInterfaces(ctx)
	}

	result := metrics.ResultOK
	if err != nil {
		result = metrics.ResultError
		err = fmt.Errorf("%s on %s: %w", cmd.Type, cmd.UDID, err)
	}
	cc.metrics.Command(string(cmd.Type), result)
	return err
}
