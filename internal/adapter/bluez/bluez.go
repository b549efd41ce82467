// Package bluez drives Bluetooth controllers through the BlueZ daemon on the
// system D-Bus.
//
// Driver reports every org.bluez.Adapter1 object as a host adapter and follows
// ObjectManager signals for hotplug. Agent exports org.bluez.Agent1 and routes
// pairing callbacks to an adapter.PairingRouter.
package bluez

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/radio-control/gapd/internal/adapter"
)

const (
	bluezDest       = "org.bluez"
	bluezRoot       = dbus.ObjectPath("/")
	bluezManager    = dbus.ObjectPath("/org/bluez")
	adapterPrefix   = "/org/bluez/"
	adapterIface    = "org.bluez.Adapter1"
	deviceIface     = "org.bluez.Device1"
	agentManager    = "org.bluez.AgentManager1"
	agentIface      = "org.bluez.Agent1"
	objManagerIface = "org.freedesktop.DBus.ObjectManager"
	propertiesIface = "org.freedesktop.DBus.Properties"

	// DriverID selects the bluez error mapping table.
	DriverID = "bluez"
)

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// Driver is a BlueZ connection that hands out one Adapter per controller.
type Driver struct {
	conn   *dbus.Conn
	logger logrus.FieldLogger

	mu       sync.Mutex
	adapters map[dbus.ObjectPath]*Adapter
}

var _ adapter.Watcher = (*Driver)(nil)

// Dial connects to the system bus.
func Dial(ctx context.Context, logger logrus.FieldLogger) (*Driver, error) {
	conn, err := dbus.ConnectSystemBus(dbus.WithContext(ctx))
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to system bus")
	}
	return NewDriver(conn, logger), nil
}

// NewDriver wraps an existing bus connection.
func NewDriver(conn *dbus.Conn, logger logrus.FieldLogger) *Driver {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Driver{
		conn:     conn,
		logger:   logger.WithField("component", "bluez"),
		adapters: make(map[dbus.ObjectPath]*Adapter),
	}
}

// Close closes the bus connection.
func (d *Driver) Close() error {
	return d.conn.Close()
}

// Adapters lists the controllers BlueZ currently exports, sorted by path.
func (d *Driver) Adapters(ctx context.Context) ([]*Adapter, error) {
	var objects managedObjects
	err := d.conn.Object(bluezDest, bluezRoot).
		CallWithContext(ctx, objManagerIface+".GetManagedObjects", 0).
		Store(&objects)
	if err != nil {
		return nil, normalize("GetManagedObjects", err)
	}

	var out []*Adapter
	for _, path := range adapterPaths(objects) {
		out = append(out, d.adapterFor(path))
	}
	return out, nil
}

// Watch reports present controllers, then follows InterfacesAdded and
// InterfacesRemoved until ctx ends.
func (d *Driver) Watch(ctx context.Context) (<-chan adapter.Event, error) {
	signals := make(chan *dbus.Signal, 32)
	d.conn.Signal(signals)

	matches := [][]dbus.MatchOption{
		{dbus.WithMatchInterface(objManagerIface), dbus.WithMatchMember("InterfacesAdded")},
		{dbus.WithMatchInterface(objManagerIface), dbus.WithMatchMember("InterfacesRemoved")},
	}
	for _, match := range matches {
		if err := d.conn.AddMatchSignal(match...); err != nil {
			d.conn.RemoveSignal(signals)
			return nil, errors.Wrap(err, "failed to subscribe to bluez object signals")
		}
	}

	present, err := d.Adapters(ctx)
	if err != nil {
		d.conn.RemoveSignal(signals)
		return nil, err
	}

	events := make(chan adapter.Event, len(present)+16)
	for _, a := range present {
		events <- adapter.Event{Kind: adapter.Connected, ID: a.AdapterID, Adapter: a}
	}

	go func() {
		defer close(events)
		defer func() {
			d.conn.RemoveSignal(signals)
			for _, match := range matches {
				_ = d.conn.RemoveMatchSignal(match...)
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-signals:
				if !ok {
					return
				}
				ev, ok := d.translate(sig)
				if !ok {
					continue
				}
				d.logger.WithFields(logrus.Fields{
					"adapter": ev.ID,
					"event":   ev.Kind.String(),
				}).Info("controller hotplug")

				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return events, nil
}

// translate turns an ObjectManager signal into a hotplug event.
func (d *Driver) translate(sig *dbus.Signal) (adapter.Event, bool) {
	if sig == nil || len(sig.Body) < 2 {
		return adapter.Event{}, false
	}
	path, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok || !isAdapterPath(path) {
		return adapter.Event{}, false
	}

	switch sig.Name {
	case objManagerIface + ".InterfacesAdded":
		ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
		if !ok {
			return adapter.Event{}, false
		}
		if _, has := ifaces[adapterIface]; !has {
			return adapter.Event{}, false
		}
		a := d.adapterFor(path)
		return adapter.Event{Kind: adapter.Connected, ID: a.AdapterID, Adapter: a}, true

	case objManagerIface + ".InterfacesRemoved":
		ifaces, ok := sig.Body[1].([]string)
		if !ok || !contains(ifaces, adapterIface) {
			return adapter.Event{}, false
		}
		d.mu.Lock()
		delete(d.adapters, path)
		d.mu.Unlock()
		return adapter.Event{Kind: adapter.Disconnected, ID: adapterIDFromPath(path)}, true
	}
	return adapter.Event{}, false
}

func (d *Driver) adapterFor(path dbus.ObjectPath) *Adapter {
	d.mu.Lock()
	defer d.mu.Unlock()

	if a, ok := d.adapters[path]; ok {
		return a
	}
	a := newAdapter(d.conn, path)
	d.adapters[path] = a
	return a
}

// adapterPaths returns the controller paths in objects, sorted.
func adapterPaths(objects managedObjects) []dbus.ObjectPath {
	var paths []dbus.ObjectPath
	for path, ifaces := range objects {
		if _, ok := ifaces[adapterIface]; ok && isAdapterPath(path) {
			paths = append(paths, path)
		}
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i] < paths[j] })
	return paths
}

// isAdapterPath matches /org/bluez/hciN but not its device children.
func isAdapterPath(path dbus.ObjectPath) bool {
	p := string(path)
	return strings.HasPrefix(p, adapterPrefix) && !strings.Contains(strings.TrimPrefix(p, adapterPrefix), "/")
}

func adapterIDFromPath(path dbus.ObjectPath) string {
	p := strings.TrimPrefix(string(path), adapterPrefix)
	if i := strings.Index(p, "/"); i >= 0 {
		p = p[:i]
	}
	return p
}

// deviceAddressFromPath turns /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF into
// AA:BB:CC:DD:EE:FF.
func deviceAddressFromPath(path dbus.ObjectPath) string {
	p := string(path)
	i := strings.LastIndex(p, "/dev_")
	if i < 0 {
		return ""
	}
	return strings.ReplaceAll(p[i+len("/dev_"):], "_", ":")
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
