package bluez

import (
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"

	"github.com/radio-control/gapd/internal/adapter"
)

// dbusErrorName returns the D-Bus error name carried by err, if any.
func dbusErrorName(err error) (string, []interface{}, bool) {
	var value dbus.Error
	if errors.As(err, &value) {
		return value.Name, value.Body, true
	}
	var ptr *dbus.Error
	if errors.As(err, &ptr) && ptr != nil {
		return ptr.Name, ptr.Body, true
	}
	return "", nil, false
}

// normalize adds the D-Bus error name to a failed call and maps it through the
// bluez table. dbus.Error prints only its message.
func normalize(op string, err error) error {
	if err == nil {
		return nil
	}
	name, body, ok := dbusErrorName(err)
	if !ok {
		return adapter.NormalizeDriverErrorWithDriver(errors.Wrap(err, op), nil, DriverID)
	}
	return adapter.NormalizeDriverErrorWithDriver(errors.Wrapf(err, "%s: %s", op, name), body, DriverID)
}

// isBenign reports failures that mean the controller is already in the
// requested state.
func isBenign(method string, err error) bool {
	name, _, ok := dbusErrorName(err)
	if !ok {
		return false
	}
	switch method {
	case "StartDiscovery":
		return name == "org.bluez.Error.InProgress"
	case "StopDiscovery":
		return name == "org.bluez.Error.Failed" && strings.Contains(err.Error(), "No discovery started")
	}
	return false
}
