package bluez

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/radio-control/gapd/internal/adapter"
	"github.com/radio-control/gapd/internal/logging"
)

func TestPathHelpers(t *testing.T) {
	tests := []struct {
		path      dbus.ObjectPath
		isAdapter bool
		adapterID string
		address   string
	}{
		{"/org/bluez/hci0", true, "hci0", ""},
		{"/org/bluez/hci1/dev_AA_BB_CC_DD_EE_FF", false, "hci1", "AA:BB:CC:DD:EE:FF"},
		{"/org/bluez", false, "", ""},
		{"/org/other/hci0", false, "/org/other/hci0", ""},
	}

	for _, tt := range tests {
		t.Run(string(tt.path), func(t *testing.T) {
			if got := isAdapterPath(tt.path); got != tt.isAdapter {
				t.Errorf("isAdapterPath: expected %v, got %v", tt.isAdapter, got)
			}
			if tt.isAdapter || tt.address != "" {
				if got := adapterIDFromPath(tt.path); got != tt.adapterID {
					t.Errorf("adapterIDFromPath: expected %s, got %s", tt.adapterID, got)
				}
			}
			if got := deviceAddressFromPath(tt.path); got != tt.address {
				t.Errorf("deviceAddressFromPath: expected %s, got %s", tt.address, got)
			}
		})
	}
}

func TestAdapterPaths(t *testing.T) {
	objects := managedObjects{
		"/org/bluez/hci1":                       {adapterIface: {}},
		"/org/bluez/hci0":                       {adapterIface: {}},
		"/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF": {deviceIface: {}},
		"/org/bluez":                            {agentManager: {}},
	}

	paths := adapterPaths(objects)
	if len(paths) != 2 || paths[0] != "/org/bluez/hci0" || paths[1] != "/org/bluez/hci1" {
		t.Errorf("Expected hci0 and hci1, got %v", paths)
	}
}

func TestParseAdapterInfo(t *testing.T) {
	props := map[string]dbus.Variant{
		"Address":      dbus.MakeVariant("00:1A:7D:DA:71:13"),
		"Name":         dbus.MakeVariant("host"),
		"Alias":        dbus.MakeVariant("kitchen"),
		"Powered":      dbus.MakeVariant(true),
		"Discovering":  dbus.MakeVariant(false),
		"Discoverable": dbus.MakeVariant(true),
	}

	info := parseAdapterInfo("hci0", props)
	if info.ID != "hci0" || info.Address != "00:1A:7D:DA:71:13" {
		t.Errorf("Unexpected identity: %+v", info)
	}
	if info.Name != "kitchen" {
		t.Errorf("Expected alias to win, got %s", info.Name)
	}
	if !info.Powered || info.Discovering || !info.Discoverable {
		t.Errorf("Unexpected flags: %+v", info)
	}

	delete(props, "Alias")
	if info := parseAdapterInfo("hci0", props); info.Name != "host" {
		t.Errorf("Expected Name without alias, got %s", info.Name)
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected error
	}{
		{"in progress", dbus.Error{Name: "org.bluez.Error.InProgress", Body: []interface{}{"Operation already in progress"}}, adapter.ErrAlreadyInProgress},
		{"not ready", dbus.Error{Name: "org.bluez.Error.NotReady", Body: []interface{}{"Resource Not Ready"}}, adapter.ErrUnavailable},
		{"pointer", &dbus.Error{Name: "org.bluez.Error.NotSupported"}, adapter.ErrNotSupported},
		{"no reply", dbus.Error{Name: "org.freedesktop.DBus.Error.NoReply"}, adapter.ErrUnavailable},
		{"unknown object", dbus.Error{Name: "org.freedesktop.DBus.Error.UnknownObject"}, adapter.ErrNotFound},
		{"failed", dbus.Error{Name: "org.bluez.Error.Failed", Body: []interface{}{"boom"}}, adapter.ErrInternal},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), adapter.ErrTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := normalize("StartDiscovery", tt.err)
			if !errors.Is(err, tt.expected) {
				t.Errorf("Expected %v, got %v", tt.expected, err)
			}
		})
	}

	if normalize("op", nil) != nil {
		t.Error("Expected nil for nil error")
	}
}

func TestIsBenign(t *testing.T) {
	tests := []struct {
		method string
		err    error
		benign bool
	}{
		{"StartDiscovery", dbus.Error{Name: "org.bluez.Error.InProgress"}, true},
		{"StopDiscovery", dbus.Error{Name: "org.bluez.Error.Failed", Body: []interface{}{"No discovery started"}}, true},
		{"StopDiscovery", dbus.Error{Name: "org.bluez.Error.Failed", Body: []interface{}{"Other"}}, false},
		{"StartDiscovery", dbus.Error{Name: "org.bluez.Error.NotReady"}, false},
		{"StartDiscovery", errors.New("plain"), false},
	}

	for i, tt := range tests {
		if got := isBenign(tt.method, tt.err); got != tt.benign {
			t.Errorf("Case %d: expected %v, got %v", i, tt.benign, got)
		}
	}
}

func TestTranslate(t *testing.T) {
	d := &Driver{logger: logging.Discard(), adapters: make(map[dbus.ObjectPath]*Adapter)}
	d.adapters["/org/bluez/hci0"] = &Adapter{AdapterBase: adapter.AdapterBase{AdapterID: "hci0"}}

	removed := &dbus.Signal{
		Name: objManagerIface + ".InterfacesRemoved",
		Body: []interface{}{dbus.ObjectPath("/org/bluez/hci0"), []string{adapterIface}},
	}
	ev, ok := d.translate(removed)
	if !ok || ev.Kind != adapter.Disconnected || ev.ID != "hci0" {
		t.Errorf("Expected hci0 disconnected, got %+v (%v)", ev, ok)
	}
	if len(d.adapters) != 0 {
		t.Error("Expected adapter forgotten after removal")
	}

	device := &dbus.Signal{
		Name: objManagerIface + ".InterfacesRemoved",
		Body: []interface{}{dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"), []string{deviceIface}},
	}
	if _, ok := d.translate(device); ok {
		t.Error("Expected device removal to be ignored")
	}

	if _, ok := d.translate(&dbus.Signal{Name: objManagerIface + ".InterfacesAdded"}); ok {
		t.Error("Expected short signal to be ignored")
	}
}

func TestPairedResult(t *testing.T) {
	sig := &dbus.Signal{
		Path: "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF",
		Name: propertiesIface + ".PropertiesChanged",
		Body: []interface{}{
			deviceIface,
			map[string]dbus.Variant{"Paired": dbus.MakeVariant(true), "Alias": dbus.MakeVariant("phone")},
			[]string{},
		},
	}

	result, adapterID, ok := pairedResult(sig)
	if !ok {
		t.Fatal("Expected a pairing result")
	}
	if adapterID != "hci0" || result.DeviceID != "AA:BB:CC:DD:EE:FF" || !result.Success {
		t.Errorf("Unexpected result %+v on %s", result, adapterID)
	}
	if result.Record == nil || result.Record.Name != "phone" {
		t.Errorf("Expected bond record named phone, got %+v", result.Record)
	}

	sig.Body[1] = map[string]dbus.Variant{"RSSI": dbus.MakeVariant(int16(-40))}
	if _, _, ok := pairedResult(sig); ok {
		t.Error("Expected unrelated property change to be ignored")
	}
}

// MockRouter is an adapter.PairingRouter with overridable behaviour.
type MockRouter struct {
	RouteFunc    func(ctx context.Context, adapterID string, req adapter.PairingRequest) (adapter.PairingResponse, error)
	CompleteFunc func(ctx context.Context, adapterID string, result adapter.PairingResult) error

	requests []adapter.PairingRequest
}

func (m *MockRouter) RoutePairingRequest(ctx context.Context, adapterID string, req adapter.PairingRequest) (adapter.PairingResponse, error) {
	req.AdapterID = adapterID
	m.requests = append(m.requests, req)
	if m.RouteFunc != nil {
		return m.RouteFunc(ctx, adapterID, req)
	}
	return adapter.PairingResponse{Accept: true}, nil
}

func (m *MockRouter) CompletePairing(ctx context.Context, adapterID string, result adapter.PairingResult) error {
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, adapterID, result)
	}
	return nil
}

func TestAgentRoutesToDelegate(t *testing.T) {
	router := &MockRouter{
		RouteFunc: func(ctx context.Context, adapterID string, req adapter.PairingRequest) (adapter.PairingResponse, error) {
			return adapter.PairingResponse{Accept: true, Passkey: 4321, PinCode: "0000"}, nil
		},
	}
	agent := NewAgent(router, time.Second, logging.Discard())
	device := dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF")

	if pin, err := agent.RequestPinCode(device); err != nil || pin != "0000" {
		t.Errorf("Expected pin 0000, got %s (err %v)", pin, err)
	}
	if passkey, err := agent.RequestPasskey(device); err != nil || passkey != 4321 {
		t.Errorf("Expected passkey 4321, got %d (err %v)", passkey, err)
	}
	if err := agent.RequestConfirmation(device, 123456); err != nil {
		t.Errorf("Expected confirmation accepted, got %v", err)
	}
	if err := agent.AuthorizeService(device, "0000110b-0000-1000-8000-00805f9b34fb"); err != nil {
		t.Errorf("Expected service authorized, got %v", err)
	}

	// Only the first passkey display is routed
	_ = agent.DisplayPasskey(device, 111111, 0)
	_ = agent.DisplayPasskey(device, 111111, 3)

	if len(router.requests) != 5 {
		t.Fatalf("Expected 5 routed requests, got %d", len(router.requests))
	}
	confirm := router.requests[2]
	if confirm.AdapterID != "hci0" || confirm.DeviceID != "AA:BB:CC:DD:EE:FF" || confirm.Method != adapter.PairingPasskeyConfirm || confirm.Passkey != 123456 {
		t.Errorf("Unexpected confirmation request %+v", confirm)
	}
}

func TestAgentRejects(t *testing.T) {
	device := dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF")

	declined := NewAgent(&MockRouter{
		RouteFunc: func(context.Context, string, adapter.PairingRequest) (adapter.PairingResponse, error) {
			return adapter.PairingResponse{Accept: false}, nil
		},
	}, time.Second, logging.Discard())
	if err := declined.RequestAuthorization(device); err == nil || err.Name != errRejected {
		t.Errorf("Expected %s when declined, got %v", errRejected, err)
	}

	failing := NewAgent(&MockRouter{
		RouteFunc: func(context.Context, string, adapter.PairingRequest) (adapter.PairingResponse, error) {
			return adapter.PairingResponse{}, adapter.ErrNotFound
		},
	}, time.Second, logging.Discard())
	if _, err := failing.RequestPinCode(device); err == nil || err.Name != errRejected {
		t.Errorf("Expected %s without delegate, got %v", errRejected, err)
	}
}
