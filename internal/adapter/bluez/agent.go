package bluez

import (
	"context"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/radio-control/gapd/internal/adapter"
	"github.com/radio-control/gapd/internal/bond"
)

const (
	// AgentPath is where the pairing agent is exported.
	AgentPath = dbus.ObjectPath("/org/gapd/agent")

	// AgentCapability lets BlueZ pick any pairing method; the delegate decides.
	AgentCapability = "KeyboardDisplay"

	errRejected = "org.bluez.Error.Rejected"
	errCanceled = "org.bluez.Error.Canceled"
)

// Agent implements org.bluez.Agent1 by forwarding each callback to a
// PairingRouter.
type Agent struct {
	router  adapter.PairingRouter
	timeout time.Duration
	logger  logrus.FieldLogger
}

// NewAgent creates an agent. timeout bounds each callback.
func NewAgent(router adapter.PairingRouter, timeout time.Duration, logger logrus.FieldLogger) *Agent {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Agent{router: router, timeout: timeout, logger: logger.WithField("component", "bluez-agent")}
}

// route asks the delegate of the device's adapter. Any failure rejects.
func (a *Agent) route(device dbus.ObjectPath, method adapter.PairingMethod, fill func(*adapter.PairingRequest)) (adapter.PairingResponse, *dbus.Error) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	address := deviceAddressFromPath(device)
	req := adapter.PairingRequest{
		DeviceID: address,
		Address:  address,
		Method:   method,
	}
	if fill != nil {
		fill(&req)
	}

	adapterID := adapterIDFromPath(device)
	resp, err := a.router.RoutePairingRequest(ctx, adapterID, req)
	logger := a.logger.WithFields(logrus.Fields{
		"adapter": adapterID,
		"device":  address,
		"method":  method,
	})
	if err != nil {
		logger.WithError(err).Warn("pairing request rejected")
		return resp, dbus.NewError(errRejected, []interface{}{err.Error()})
	}
	if !resp.Accept {
		logger.Info("pairing request declined by delegate")
		return resp, dbus.NewError(errRejected, nil)
	}
	logger.Debug("pairing request accepted")
	return resp, nil
}

func (a *Agent) Release() *dbus.Error {
	a.logger.Info("agent released by bluez")
	return nil
}

func (a *Agent) RequestPinCode(device dbus.ObjectPath) (string, *dbus.Error) {
	resp, err := a.route(device, adapter.PairingPinCode, nil)
	if err != nil {
		return "", err
	}
	return resp.PinCode, nil
}

func (a *Agent) DisplayPinCode(device dbus.ObjectPath, pincode string) *dbus.Error {
	_, err := a.route(device, adapter.PairingDisplayPinCode, func(r *adapter.PairingRequest) { r.PinCode = pincode })
	return err
}

func (a *Agent) RequestPasskey(device dbus.ObjectPath) (uint32, *dbus.Error) {
	resp, err := a.route(device, adapter.PairingPasskeyEntry, nil)
	if err != nil {
		return 0, err
	}
	return resp.Passkey, nil
}

func (a *Agent) DisplayPasskey(device dbus.ObjectPath, passkey uint32, entered uint16) *dbus.Error {
	// Repeated as keys are typed; only the first display is routed
	if entered > 0 {
		return nil
	}
	_, err := a.route(device, adapter.PairingDisplayPasskey, func(r *adapter.PairingRequest) { r.Passkey = passkey })
	return err
}

func (a *Agent) RequestConfirmation(device dbus.ObjectPath, passkey uint32) *dbus.Error {
	_, err := a.route(device, adapter.PairingPasskeyConfirm, func(r *adapter.PairingRequest) { r.Passkey = passkey })
	return err
}

func (a *Agent) RequestAuthorization(device dbus.ObjectPath) *dbus.Error {
	_, err := a.route(device, adapter.PairingConsent, nil)
	return err
}

func (a *Agent) AuthorizeService(device dbus.ObjectPath, uuid string) *dbus.Error {
	_, err := a.route(device, adapter.PairingAuthorizeService, func(r *adapter.PairingRequest) { r.ServiceUUID = uuid })
	return err
}

func (a *Agent) Cancel() *dbus.Error {
	a.logger.Info("pairing cancelled by bluez")
	return nil
}

// ServePairing exports agent, registers it as the default agent and reports
// completed pairings to router until ctx ends.
func (d *Driver) ServePairing(ctx context.Context, agent *Agent) error {
	if err := d.conn.Export(agent, AgentPath, agentIface); err != nil {
		return errors.Wrap(err, "failed to export pairing agent")
	}
	defer d.conn.Export(nil, AgentPath, agentIface)

	manager := d.conn.Object(bluezDest, bluezManager)
	if err := manager.CallWithContext(ctx, agentManager+".RegisterAgent", 0, AgentPath, AgentCapability).Err; err != nil {
		return normalize("RegisterAgent", err)
	}
	defer manager.Call(agentManager+".UnregisterAgent", 0, AgentPath)

	if err := manager.CallWithContext(ctx, agentManager+".RequestDefaultAgent", 0, AgentPath).Err; err != nil {
		return normalize("RequestDefaultAgent", err)
	}

	match := []dbus.MatchOption{
		dbus.WithMatchInterface(propertiesIface),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchArg(0, deviceIface),
	}
	if err := d.conn.AddMatchSignal(match...); err != nil {
		return errors.Wrap(err, "failed to subscribe to device changes")
	}
	defer d.conn.RemoveMatchSignal(match...)

	signals := make(chan *dbus.Signal, 16)
	d.conn.Signal(signals)
	defer d.conn.RemoveSignal(signals)

	d.logger.WithField("path", AgentPath).Info("pairing agent registered")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-signals:
			if !ok {
				return errors.New("bus connection closed")
			}
			result, adapterID, ok := pairedResult(sig)
			if !ok {
				continue
			}
			if err := agent.router.CompletePairing(ctx, adapterID, result); err != nil {
				d.logger.WithError(err).WithField("device", result.DeviceID).Warn("failed to record pairing")
			}
		}
	}
}

// pairedResult recognizes a Device1 PropertiesChanged signal that sets Paired.
func pairedResult(sig *dbus.Signal) (adapter.PairingResult, string, bool) {
	if sig == nil || sig.Name != propertiesIface+".PropertiesChanged" || len(sig.Body) < 2 {
		return adapter.PairingResult{}, "", false
	}
	if iface, ok := sig.Body[0].(string); !ok || iface != deviceIface {
		return adapter.PairingResult{}, "", false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return adapter.PairingResult{}, "", false
	}
	paired, ok := variantBool(changed, "Paired")
	if !ok {
		return adapter.PairingResult{}, "", false
	}

	address := deviceAddressFromPath(sig.Path)
	if address == "" {
		return adapter.PairingResult{}, "", false
	}
	result := adapter.PairingResult{DeviceID: address, Success: paired}
	if paired {
		record := bond.Record{DeviceID: address, Address: address, BondedAt: time.Now().UTC()}
		record.Name, _ = variantString(changed, "Alias")
		result.Record = &record
	}
	return result, adapterIDFromPath(sig.Path), true
}
