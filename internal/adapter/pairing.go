package adapter

import (
	"context"

	"github.com/radio-control/gapd/internal/bond"
)

// PairingMethod is the user interaction a pairing attempt needs.
type PairingMethod string

const (
	PairingPinCode          PairingMethod = "pinCode"
	PairingPasskeyEntry     PairingMethod = "passkeyEntry"
	PairingPasskeyConfirm   PairingMethod = "passkeyConfirm"
	PairingDisplayPasskey   PairingMethod = "displayPasskey"
	PairingDisplayPinCode   PairingMethod = "displayPinCode"
	PairingConsent          PairingMethod = "consent"
	PairingAuthorizeService PairingMethod = "authorizeService"
)

// PairingRequest is a pairing callback raised by a driver.
type PairingRequest struct {
	AdapterID   string        `json:"adapterId"`
	DeviceID    string        `json:"deviceId"`
	Address     string        `json:"address,omitempty"`
	Method      PairingMethod `json:"method"`
	Passkey     uint32        `json:"passkey,omitempty"`
	PinCode     string        `json:"pinCode,omitempty"`
	ServiceUUID string        `json:"serviceUuid,omitempty"`
}

// PairingResponse is the delegate's answer.
type PairingResponse struct {
	Accept  bool   `json:"accept"`
	Passkey uint32 `json:"passkey,omitempty"`
	PinCode string `json:"pinCode,omitempty"`
}

// PairingResult reports a finished pairing. Record is set when the driver can
// export the bond.
type PairingResult struct {
	DeviceID string       `json:"deviceId"`
	Success  bool         `json:"success"`
	Record   *bond.Record `json:"record,omitempty"`
}

// PairingRouter delivers driver pairing callbacks to whoever handles pairing for
// an adapter.
type PairingRouter interface {
	RoutePairingRequest(ctx context.Context, adapterID string, req PairingRequest) (PairingResponse, error)
	CompletePairing(ctx context.Context, adapterID string, result PairingResult) error
}
