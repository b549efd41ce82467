package bluez

import (
	"context"

	"github.com/godbus/dbus/v5"

	"github.com/radio-control/gapd/internal/adapter"
)

// Adapter is one org.bluez.Adapter1 object.
type Adapter struct {
	adapter.AdapterBase

	conn *dbus.Conn
	path dbus.ObjectPath
	obj  dbus.BusObject
}

var _ adapter.IHostAdapter = (*Adapter)(nil)

func newAdapter(conn *dbus.Conn, path dbus.ObjectPath) *Adapter {
	return &Adapter{
		AdapterBase: adapter.AdapterBase{
			AdapterID:  adapterIDFromPath(path),
			Technology: "dual",
		},
		conn: conn,
		path: path,
		obj:  conn.Object(bluezDest, path),
	}
}

// DriverID selects the bluez error table in the dispatcher.
func (a *Adapter) DriverID() string { return DriverID }

// Path returns the adapter object path.
func (a *Adapter) Path() dbus.ObjectPath { return a.path }

// Info reads every Adapter1 property in one call.
func (a *Adapter) Info(ctx context.Context) (*adapter.AdapterInfo, error) {
	var props map[string]dbus.Variant
	err := a.obj.CallWithContext(ctx, propertiesIface+".GetAll", 0, adapterIface).Store(&props)
	if err != nil {
		return nil, normalize("GetAll", err)
	}
	return parseAdapterInfo(a.AdapterID, props), nil
}

// SetName sets the Alias property. BlueZ keeps Name as the system hostname.
func (a *Adapter) SetName(ctx context.Context, name string) error {
	return a.setProperty(ctx, "Alias", name)
}

// SetDiscovery starts or stops discovery for this client. Repeating the current
// state is not an error.
func (a *Adapter) SetDiscovery(ctx context.Context, enabled bool) error {
	method := "StartDiscovery"
	if !enabled {
		method = "StopDiscovery"
	}

	err := a.obj.CallWithContext(ctx, adapterIface+"."+method, 0).Err
	if err == nil || isBenign(method, err) {
		return nil
	}
	return normalize(method, err)
}

// SetDiscoverable sets the Discoverable property.
func (a *Adapter) SetDiscoverable(ctx context.Context, enabled bool) error {
	return a.setProperty(ctx, "Discoverable", enabled)
}

func (a *Adapter) setProperty(ctx context.Context, name string, value interface{}) error {
	err := a.obj.CallWithContext(ctx, propertiesIface+".Set", 0, adapterIface, name, dbus.MakeVariant(value)).Err
	if err != nil {
		return normalize("Set "+name, err)
	}
	return nil
}

// parseAdapterInfo maps Adapter1 properties. Alias wins over Name.
func parseAdapterInfo(id string, props map[string]dbus.Variant) *adapter.AdapterInfo {
	info := &adapter.AdapterInfo{ID: id, Technology: "dual"}

	info.Address, _ = variantString(props, "Address")
	if alias, ok := variantString(props, "Alias"); ok && alias != "" {
		info.Name = alias
	} else {
		info.Name, _ = variantString(props, "Name")
	}
	info.Powered, _ = variantBool(props, "Powered")
	info.Discovering, _ = variantBool(props, "Discovering")
	info.Discoverable, _ = variantBool(props, "Discoverable")
	return info
}

func variantString(props map[string]dbus.Variant, key string) (string, bool) {
	v, ok := props[key]
	if !ok {
		return "", false
	}
	s, ok := v.Value().(string)
	return s, ok
}

func variantBool(props map[string]dbus.Variant, key string) (bool, bool) {
	v, ok := props[key]
	if !ok {
		return false, false
	}
	b, ok := v.Value().(bool)
	return b, ok
}
