package host

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/radio-control/gapd/internal/adapter"
	"github.com/radio-control/gapd/internal/bond"
	"github.com/radio-control/gapd/internal/telemetry"
)

// ErrDuplicateAdapter is returned when an adapter id is registered twice.
var ErrDuplicateAdapter = errors.New("adapter already registered")

// Publisher receives dispatcher events. *telemetry.Hub implements it.
type Publisher interface {
	PublishAdapter(adapterID, eventType string, data map[string]interface{}) error
}

type nopPublisher struct{}

func (nopPublisher) PublishAdapter(string, string, map[string]interface{}) error { return nil }

// Options configures a Dispatcher.
type Options struct {
	// Store persists bonded devices; nil keeps them in memory only
	Store bond.Store

	// Events receives state changes; nil drops them
	Events Publisher

	Logger logrus.FieldLogger

	// DriverTimeout bounds each driver call made on behalf of a caller
	DriverTimeout time.Duration

	// RevokeTimeout bounds switching the driver off when a token is revoked
	RevokeTimeout time.Duration
}

// Dispatcher owns the connected adapters and arbitrates access to them.
type Dispatcher struct {
	mu      sync.RWMutex
	handles map[string]*Handle
	active  string
	changed chan struct{}
	closed  bool

	store         bond.Store
	events        Publisher
	logger        logrus.FieldLogger
	driverTimeout time.Duration
	revokeTimeout time.Duration
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(opts Options) *Dispatcher {
	if opts.Store == nil {
		opts.Store = bond.NewMemoryStore()
	}
	if opts.Events == nil {
		opts.Events = nopPublisher{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.DriverTimeout <= 0 {
		opts.DriverTimeout = 10 * time.Second
	}
	if opts.RevokeTimeout <= 0 {
		opts.RevokeTimeout = 5 * time.Second
	}

	return &Dispatcher{
		handles:       make(map[string]*Handle),
		changed:       make(chan struct{}),
		store:         opts.Store,
		events:        opts.Events,
		logger:        opts.Logger.WithField("component", "host"),
		driverTimeout: opts.DriverTimeout,
		revokeTimeout: opts.RevokeTimeout,
	}
}

// notifyLocked wakes every waiter. Caller holds d.mu for writing.
func (d *Dispatcher) notifyLocked() {
	close(d.changed)
	d.changed = make(chan struct{})
}

func (d *Dispatcher) publish(adapterID, eventType string, data map[string]interface{}) {
	if err := d.events.PublishAdapter(adapterID, eventType, data); err != nil {
		d.logger.WithError(err).WithField("event", eventType).Warn("failed to publish event")
	}
}

// AddAdapter registers a connected controller. The first registered adapter
// becomes active. Bonds stored for id are loaded into the handle.
func (d *Dispatcher) AddAdapter(ctx context.Context, id string, driver adapter.IHostAdapter) error {
	callCtx, cancel := context.WithTimeout(ctx, d.driverTimeout)
	defer cancel()

	info, err := driver.Info(callCtx)
	if err != nil {
		return fmt.Errorf("failed to read adapter %s: %w", id, adapter.NormalizeDriverError(err, nil))
	}

	records, err := d.store.List(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load bonds for adapter %s: %w", id, err)
	}

	h := newHandle(id, driver, *info, records)

	// No token exists yet, so the controller must not be left scanning or visible
	for _, kind := range []Kind{KindDiscovery, KindDiscoverable} {
		on := (kind == KindDiscovery && info.Discovering) || (kind == KindDiscoverable && info.Discoverable)
		if !on {
			continue
		}
		if err := h.toggle(callCtx, kind, false); err != nil {
			d.logger.WithError(err).WithFields(logrus.Fields{
				"adapter": id,
				"session": kind.String(),
			}).Warn("failed to reset session state of new adapter")
		}
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher closed: %w", adapter.ErrUnavailable)
	}
	if _, exists := d.handles[id]; exists {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateAdapter, id)
	}
	d.handles[id] = h
	becameActive := d.active == ""
	if becameActive {
		d.active = id
	}
	d.notifyLocked()
	d.mu.Unlock()

	d.logger.WithFields(logrus.Fields{
		"adapter": id,
		"address": info.Address,
		"bonds":   len(records),
	}).Info("adapter added")

	d.publish(id, telemetry.EventAdapterAdded, map[string]interface{}{"adapter": h.Info()})
	if becameActive {
		d.publish(id, telemetry.EventActiveAdapterChanged, map[string]interface{}{"activeAdapterId": id})
	}
	return nil
}

// RemoveAdapter unregisters a controller, revoking its tokens and clearing its
// pairing delegate. When the active adapter goes away the remaining adapter with
// the lowest id is promoted.
func (d *Dispatcher) RemoveAdapter(id string) error {
	d.mu.Lock()
	h, exists := d.handles[id]
	if !exists {
		d.mu.Unlock()
		return fmt.Errorf("adapter %s: %w", id, adapter.ErrNotFound)
	}
	delete(d.handles, id)
	activeChanged := d.active == id
	if activeChanged {
		d.active = lowestID(d.handles)
	}
	newActive := d.active
	d.notifyLocked()
	d.mu.Unlock()

	for _, t := range h.detach() {
		t.Revoke()
	}

	d.logger.WithField("adapter", id).Info("adapter removed")

	d.publish(id, telemetry.EventAdapterRemoved, map[string]interface{}{"adapterId": id})
	if activeChanged {
		d.publish(newActive, telemetry.EventActiveAdapterChanged, map[string]interface{}{"activeAdapterId": newActive})
	}
	return nil
}

func lowestID(handles map[string]*Handle) string {
	ids := make([]string, 0, len(handles))
	for id := range handles {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return ""
	}
	sort.Strings(ids)
	return ids[0]
}

// Handle returns the handle registered under id.
func (d *Dispatcher) Handle(id string) (*Handle, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handles[id]
	return h, ok
}

// GetActiveAdapter returns the active adapter, waiting for one to become active
// until ctx ends. The wait is bounded only by ctx.
func (d *Dispatcher) GetActiveAdapter(ctx context.Context) (*Handle, error) {
	for {
		d.mu.RLock()
		h := d.handles[d.active]
		wait := d.changed
		closed := d.closed
		d.mu.RUnlock()

		if h != nil {
			return h, nil
		}
		if closed {
			return nil, fmt.Errorf("no active adapter: %w", adapter.ErrNotFound)
		}

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, fmt.Errorf("no active adapter: %w", adapter.ErrNotFound)
		}
	}
}

// SetActiveAdapter designates id as the active adapter. Unknown ids leave the
// designation unchanged. Session state of the previous active adapter is kept.
func (d *Dispatcher) SetActiveAdapter(id string) error {
	d.mu.Lock()
	if _, exists := d.handles[id]; !exists {
		d.mu.Unlock()
		return fmt.Errorf("adapter %s: %w", id, adapter.ErrNotFound)
	}
	if d.active == id {
		d.mu.Unlock()
		return nil
	}
	d.active = id
	d.notifyLocked()
	d.mu.Unlock()

	d.logger.WithField("adapter", id).Info("active adapter changed")
	d.publish(id, telemetry.EventActiveAdapterChanged, map[string]interface{}{"activeAdapterId": id})
	return nil
}

// ActiveAdapterID returns the active designation, empty when none.
func (d *Dispatcher) ActiveAdapterID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.active
}

// ActiveAdapterInfo returns the active adapter's info without waiting.
func (d *Dispatcher) ActiveAdapterInfo() (*adapter.AdapterInfo, bool) {
	d.mu.RLock()
	h := d.handles[d.active]
	d.mu.RUnlock()

	if h == nil {
		return nil, false
	}
	info := h.Info()
	return &info, true
}

// Adapters returns every registered adapter sorted by id.
func (d *Dispatcher) Adapters() []adapter.AdapterInfo {
	d.mu.RLock()
	handles := make([]*Handle, 0, len(d.handles))
	for _, h := range d.handles {
		handles = append(handles, h)
	}
	d.mu.RUnlock()

	sort.Slice(handles, func(i, j int) bool { return handles[i].id < handles[j].id })
	infos := make([]adapter.AdapterInfo, 0, len(handles))
	for _, h := range handles {
		infos = append(infos, h.Info())
	}
	return infos
}

// WaitForAdapters returns the adapter list once at least one adapter is
// registered, or ErrNotFound when ctx ends first.
func (d *Dispatcher) WaitForAdapters(ctx context.Context) ([]adapter.AdapterInfo, error) {
	for {
		d.mu.RLock()
		n := len(d.handles)
		wait := d.changed
		closed := d.closed
		d.mu.RUnlock()

		if n > 0 {
			return d.Adapters(), nil
		}
		if closed {
			return nil, fmt.Errorf("no adapters: %w", adapter.ErrNotFound)
		}

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, fmt.Errorf("no adapters: %w", adapter.ErrNotFound)
		}
	}
}

// IsBluetoothAvailable reports whether any adapter is registered.
func (d *Dispatcher) IsBluetoothAvailable() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handles) > 0
}

// Snapshot describes the dispatcher for the event stream's ready event.
func (d *Dispatcher) Snapshot() map[string]interface{} {
	return map[string]interface{}{
		"activeAdapterId": d.ActiveAdapterID(),
		"adapters":        d.Adapters(),
	}
}

// StartDiscovery starts discovery on h and returns the owning token. It fails
// with ErrAlreadyInProgress while another discovery token is live.
func (d *Dispatcher) StartDiscovery(ctx context.Context, h *Handle) (*Token, error) {
	return d.acquire(ctx, h, KindDiscovery)
}

// SetDiscoverable makes h discoverable and returns the owning token. It fails
// with ErrAlreadyInProgress while another discoverable token is live.
func (d *Dispatcher) SetDiscoverable(ctx context.Context, h *Handle) (*Token, error) {
	return d.acquire(ctx, h, KindDiscoverable)
}

func (d *Dispatcher) acquire(ctx context.Context, h *Handle, kind Kind) (*Token, error) {
	t, err := func() (*Token, error) {
		h.mu.Lock()
		defer h.mu.Unlock()

		if h.removed {
			return nil, fmt.Errorf("adapter %s: %w", h.id, adapter.ErrNotFound)
		}
		slot := h.slot(kind)
		if *slot != nil {
			return nil, fmt.Errorf("%s on %s: %w", kind, h.id, adapter.ErrAlreadyInProgress)
		}

		callCtx, cancel := context.WithTimeout(ctx, d.driverTimeout)
		defer cancel()
		if err := h.toggle(callCtx, kind, true); err != nil {
			return nil, err
		}

		t := newToken(kind, h.id, func(t *Token) { d.release(h, t) })
		*slot = t
		return t, nil
	}()
	if err != nil {
		return nil, err
	}

	d.logger.WithFields(logrus.Fields{
		"adapter": h.id,
		"session": kind.String(),
		"token":   t.ID(),
	}).Debug("session started")
	d.publish(h.id, changedEvent(kind), map[string]interface{}{kind.String(): true})
	return t, nil
}

// release clears t from its handle and switches the driver off. Runs once per
// token from Token.Revoke.
func (d *Dispatcher) release(h *Handle, t *Token) {
	cleared := func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()

		slot := h.slot(t.kind)
		if *slot != t {
			return false
		}
		*slot = nil

		if h.removed {
			return true
		}

		ctx, cancel := context.WithTimeout(context.Background(), d.revokeTimeout)
		defer cancel()
		if err := h.toggle(ctx, t.kind, false); err != nil {
			d.logger.WithError(err).WithFields(logrus.Fields{
				"adapter": h.id,
				"session": t.kind.String(),
			}).Warn("failed to switch session off in driver")
		}
		return true
	}()
	if !cleared {
		return
	}

	d.logger.WithFields(logrus.Fields{
		"adapter": h.id,
		"session": t.kind.String(),
		"token":   t.ID(),
	}).Debug("session ended")
	d.publish(h.id, changedEvent(t.kind), map[string]interface{}{t.kind.String(): false})
}

func changedEvent(kind Kind) string {
	if kind == KindDiscoverable {
		return telemetry.EventDiscoverableChanged
	}
	return telemetry.EventDiscoveryChanged
}

// SetName sets h's local name through the driver.
func (d *Dispatcher) SetName(ctx context.Context, h *Handle, name string) error {
	err := func() error {
		h.mu.Lock()
		defer h.mu.Unlock()

		if h.removed {
			return fmt.Errorf("adapter %s: %w", h.id, adapter.ErrNotFound)
		}

		callCtx, cancel := context.WithTimeout(ctx, d.driverTimeout)
		defer cancel()
		if err := h.driver.SetName(callCtx, name); err != nil {
			return adapter.NormalizeDriverErrorWithDriver(err, nil, h.driverID)
		}
		h.info.Name = name
		return nil
	}()
	if err != nil {
		return err
	}

	d.publish(h.id, telemetry.EventNameChanged, map[string]interface{}{"name": name})
	return nil
}

// resolve returns the named adapter, or the active one when id is empty.
func (d *Dispatcher) resolve(id string) (*Handle, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if id == "" {
		id = d.active
		if id == "" {
			return nil, fmt.Errorf("no active adapter: %w", adapter.ErrNotFound)
		}
	}
	h, ok := d.handles[id]
	if !ok {
		return nil, fmt.Errorf("adapter %s: %w", id, adapter.ErrNotFound)
	}
	return h, nil
}

// AddBondedDevices merges records into an adapter's bonded set, last write wins
// per device id. adapterID selects a registered adapter; empty selects the active
// one. The store is written before the in-memory set.
func (d *Dispatcher) AddBondedDevices(ctx context.Context, adapterID string, records []bond.Record) error {
	if err := bond.ValidateAll(records); err != nil {
		return err
	}

	h, err := d.resolve(adapterID)
	if err != nil {
		return err
	}

	err = func() error {
		h.mu.Lock()
		defer h.mu.Unlock()

		if h.removed {
			return fmt.Errorf("adapter %s: %w", h.id, adapter.ErrNotFound)
		}
		if err := d.store.Upsert(ctx, h.id, records); err != nil {
			return fmt.Errorf("failed to store bonds: %w", err)
		}
		bond.Merge(h.bonds, records)
		return nil
	}()
	if err != nil {
		return err
	}

	deviceIDs := make([]string, 0, len(records))
	for _, r := range records {
		deviceIDs = append(deviceIDs, r.DeviceID)
	}
	d.publish(h.id, telemetry.EventBondsAdded, map[string]interface{}{"deviceIds": deviceIDs})
	return nil
}

// BondedDevices returns the bonded set of adapterID, or of the active adapter when
// adapterID is empty.
func (d *Dispatcher) BondedDevices(adapterID string) ([]bond.Record, error) {
	h, err := d.resolve(adapterID)
	if err != nil {
		return nil, err
	}
	return h.Bonds(), nil
}

// Close revokes every token, clears every delegate and drops all handles. Waiters
// in GetActiveAdapter and WaitForAdapters return ErrNotFound.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	handles := d.handles
	d.handles = make(map[string]*Handle)
	d.active = ""
	d.notifyLocked()
	d.mu.Unlock()

	for _, h := range handles {
		for _, t := range d.shutdown(h) {
			t.Revoke()
		}
	}
}

// shutdown switches live sessions off in the driver and detaches h in one
// critical section, so no acquire can slip in between.
func (d *Dispatcher) shutdown(h *Handle) []*Token {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.removed {
		for _, kind := range []Kind{KindDiscovery, KindDiscoverable} {
			if *h.slot(kind) == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), d.revokeTimeout)
			err := h.toggle(ctx, kind, false)
			cancel()
			if err != nil {
				d.logger.WithError(err).WithFields(logrus.Fields{
					"adapter": h.id,
					"session": kind.String(),
				}).Warn("failed to switch session off in driver")
			}
		}
	}
	return h.detachLocked()
}
