package rpc

import (
	"github.com/radio-control/gapd/internal/adapter"
	"github.com/radio-control/gapd/internal/bond"
)

// Methods of the GAP surface.
const (
	MethodOpen                 = "Open"
	MethodAddBondedDevices     = "AddBondedDevices"
	MethodRequestDiscovery     = "RequestDiscovery"
	MethodSetDiscoverable      = "SetDiscoverable"
	MethodSetActiveAdapter     = "SetActiveAdapter"
	MethodGetActiveAdapterInfo = "GetActiveAdapterInfo"
	MethodGetAdapters          = "GetAdapters"
	MethodSetPairingDelegate   = "SetPairingDelegate"
	MethodSetName              = "SetName"
	MethodIsBluetoothAvailable = "IsBluetoothAvailable"
	MethodGetBondedDevices     = "GetBondedDevices"

	// Accepted but not implemented by this daemon
	MethodConnect               = "Connect"
	MethodDisconnect            = "Disconnect"
	MethodForget                = "Forget"
	MethodGetKnownRemoteDevices = "GetKnownRemoteDevices"
)

// OpenParams starts a session. Adapter filters the event stream to one adapter;
// with LastEventID set, buffered events after it are replayed.
type OpenParams struct {
	Token       string `json:"token,omitempty"`
	Adapter     string `json:"adapter,omitempty"`
	LastEventID int64  `json:"lastEventId,omitempty"`
}

type OpenResult struct {
	SessionID string `json:"sessionId"`
	Subject   string `json:"subject"`
}

type AddBondedDevicesParams struct {
	LocalID string        `json:"localId"`
	Bonds   []bond.Record `json:"bonds"`
}

type RequestDiscoveryParams struct {
	Discover bool `json:"discover"`
}

type SetDiscoverableParams struct {
	Discoverable bool `json:"discoverable"`
}

// TokenResult carries the session token id on a successful start.
type TokenResult struct {
	Token string `json:"token"`
}

type SetActiveAdapterParams struct {
	ID string `json:"id"`
}

// AdapterInfoResult leaves Adapter nil when there is no active adapter.
type AdapterInfoResult struct {
	Adapter *adapter.AdapterInfo `json:"adapter"`
}

type AdaptersResult struct {
	Adapters []adapter.AdapterInfo `json:"adapters"`
}

type SetPairingDelegateParams struct {
	Enabled bool `json:"enabled"`
}

type SetNameParams struct {
	Name string `json:"name"`
}

type AvailabilityResult struct {
	Available bool `json:"available"`
}

type GetBondedDevicesParams struct {
	LocalID string `json:"localId,omitempty"`
}

type BondsResult struct {
	Bonds []bond.Record `json:"bonds"`
}
