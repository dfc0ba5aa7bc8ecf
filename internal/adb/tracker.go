package adb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"sync"
	"time"
)

// DeviceEntry is one line of the adb server's device list. Type is the raw
// connectivity state ("device", "offline", "unauthorized", ...).
type DeviceEntry struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// ChangeSet is the difference between two consecutive device lists.
type ChangeSet struct {
	Added   []DeviceEntry
	Removed []DeviceEntry
	Changed []DeviceEntry
}

// Empty reports whether nothing changed.
func (cs ChangeSet) Empty() bool {
	return len(cs.Added) == 0 && len(cs.Removed) == 0 && len(cs.Changed) == 0
}

func parseDeviceList(s string) []DeviceEntry {
	var list []DeviceEntry
	for _, line := range strings.Split(s, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		list = append(list, DeviceEntry{ID: fields[0], Type: fields[1]})
	}
	return list
}

// diff computes the change set from prev to next. Entries are sorted by id
// so the result is deterministic.
func diff(prev map[string]string, next []DeviceEntry) (ChangeSet, map[string]string) {
	var cs ChangeSet
	current := make(map[string]string, len(next))
	for _, e := range next {
		current[e.ID] = e.Type
		old, ok := prev[e.ID]
		switch {
		case !ok:
			cs.Added = append(cs.Added, e)
		case old != e.Type:
			cs.Changed = append(cs.Changed, e)
		}
	}
	for id, typ := range prev {
		if _, ok := current[id]; !ok {
			cs.Removed = append(cs.Removed, DeviceEntry{ID: id, Type: typ})
		}
	}
	for _, l := range [][]DeviceEntry{cs.Added, cs.Removed, cs.Changed} {
		sort.Slice(l, func(i, j int) bool { return l[i].ID < l[j].ID })
	}
	return cs, current
}

// Tracker is a host:track-devices subscription. Each device list pushed by
// the adb server is diffed against the previous one and delivered on
// Changes as a ChangeSet. The first change set reports every device the
// server knows as added.
type Tracker struct {
	conn    *conn
	changes chan ChangeSet
	quit    chan struct{}
	done    chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

// TrackDevices opens a tracking subscription.
func (c *Client) TrackDevices(ctx context.Context) (*Tracker, error) {
	cn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	if err := cn.request("host:track-devices"); err != nil {
		cn.Close()
		return nil, err
	}
	_ = cn.SetDeadline(time.Time{})

	t := &Tracker{
		conn:    cn,
		changes: make(chan ChangeSet),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go t.run()
	return t, nil
}

// Changes delivers change sets in the order the server reported them. It is
// closed when the subscription ends; Err then reports why.
func (t *Tracker) Changes() <-chan ChangeSet {
	return t.changes
}

// Err returns the error that ended the subscription. It is nil while the
// subscription runs, after Close, and when the server ended the stream
// cleanly.
func (t *Tracker) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Close ends the subscription and waits for the reader to stop.
func (t *Tracker) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.quit)
		err = t.conn.Close()
	})
	<-t.done
	return err
}

func (t *Tracker) run() {
	defer close(t.done)
	defer close(t.changes)

	known := map[string]string{}
	for {
		s, err := t.conn.readHexString()
		if err != nil {
			t.finish(err)
			return
		}
		var cs ChangeSet
		cs, known = diff(known, parseDeviceList(s))
		if cs.Empty() {
			continue
		}
		select {
		case t.changes <- cs:
		case <-t.quit:
			return
		}
	}
}

func (t *Tracker) finish(err error) {
	select {
	case <-t.quit:
		return
	default:
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return
	}
	t.mu.Lock()
	t.err = fmt.Errorf("track devices: %w", err)
	t.mu.Unlock()
}
