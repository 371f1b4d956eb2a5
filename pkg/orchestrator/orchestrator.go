// Package orchestrator binds every component to the provisioning state
// machine (spec.md §4.10, C10). It runs the single state-machine task:
// all state-mutating events pass through its dedicated goroutine and
// are processed strictly sequentially, applying effects to BLE,
// Network, and Display in that deterministic order. Durable records
// are not a per-transition effect: the Wi-Fi profile is stored by the
// connect goroutine after a successful connect, and the store is
// cleared by the factory-reset goroutine.
package orchestrator

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rockpi/provisiond/pkg/ble"
	"github.com/rockpi/provisiond/pkg/crypto"
	"github.com/rockpi/provisiond/pkg/display"
	"github.com/rockpi/provisiond/pkg/eventbus"
	"github.com/rockpi/provisiond/pkg/identity"
	"github.com/rockpi/provisiond/pkg/logger"
	"github.com/rockpi/provisiond/pkg/metrics"
	"github.com/rockpi/provisiond/pkg/network"
	"github.com/rockpi/provisiond/pkg/ownership"
	"github.com/rockpi/provisiond/pkg/provisioning"
	"github.com/rockpi/provisiond/pkg/store"
)

// Orchestrator owns the state machine and coordinates every other
// component's effects in response to its transitions.
type Orchestrator struct {
	machine *provisioning.Machine
	bus     *eventbus.Bus
	logger  *logger.Logger

	store     *store.Store
	ownership *ownership.Service
	network   *network.Service
	display   *display.Service
	ble       *ble.Server
	identity  *identity.Identity

	// effectMu serialises effects per target component (spec.md §4.10
	// "refuses to begin a new effect while a previous effect is in
	// flight for the same target"); a single mutex per component is
	// sufficient since effects within one transition already run
	// sequentially on this goroutine.
	bleEffectMu     sync.Mutex
	networkEffectMu sync.Mutex
	displayEffectMu sync.Mutex

	cancel context.CancelFunc
}

// New constructs the orchestrator. Every dependency is injected; there
// is no global state beyond the shared logger.
func New(
	bus *eventbus.Bus,
	log *logger.Logger,
	st *store.Store,
	own *ownership.Service,
	net *network.Service,
	disp *display.Service,
	bleSrv *ble.Server,
	id *identity.Identity,
) *Orchestrator {
	return &Orchestrator{
		machine:   provisioning.NewMachine(),
		bus:       bus,
		logger:    log,
		store:     st,
		ownership: own,
		network:   net,
		display:   disp,
		ble:       bleSrv,
		identity:  id,
	}
}

// Machine exposes the state machine for read-only inspection (status
// reporting, tests).
func (o *Orchestrator) Machine() *provisioning.Machine { return o.machine }

// Run drives the state-machine task until ctx is cancelled: it
// subscribes to the bus, seeds InitComplete, and processes events
// strictly sequentially.
func (o *Orchestrator) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	defer cancel()

	sub := o.bus.Subscribe()
	defer sub.Close()

	o.dispatch(runCtx, provisioning.Event{Kind: provisioning.EventInitComplete})

	for {
		select {
		case <-runCtx.Done():
			return nil
		case ev := <-sub.Events():
			o.handleBusEvent(runCtx, ev)
		}
	}
}

// handleBusEvent recovers from panics in a single event's handling so
// one bad effect never takes the whole daemon down, mirroring the
// engine's per-event recovery discipline.
func (o *Orchestrator) handleBusEvent(ctx context.Context, ev eventbus.Event) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("orchestrator: panic recovered", "error", r, "stack", string(debug.Stack()))
			if ev.Kind != provisioning.EventFatalError {
				o.bus.Publish(eventbus.Event{Kind: provisioning.EventFatalError, Data: r})
			}
		}
	}()

	if ev.Kind == ble.EventOwnerSetupReceived {
		o.handleOwnerSetup(ctx, ev)
		return
	}

	o.dispatch(ctx, provisioning.Event{Kind: ev.Kind, Data: ev.Data})
}

// handleOwnerSetup registers the owner from an OwnerSetupReceived bus
// event and only dispatches the real OwnerRegistered transition once
// ownership.Register has actually succeeded; an invalid payload or a
// rejected registration leaves the machine in OwnerSetup so the client
// can retry.
func (o *Orchestrator) handleOwnerSetup(ctx context.Context, ev eventbus.Event) {
	data, ok := ev.Data.(ble.OwnerSetupEvent)
	if !ok {
		return
	}
	if o.registerOwner(data) {
		o.dispatch(ctx, provisioning.Event{Kind: provisioning.EventOwnerRegistered})
	}
}

// registerOwner validates and applies an OwnerSetupEvent against the
// ownership service, zeroising the PIN bytes it was handed regardless
// of outcome. Split out from handleOwnerSetup so the registration
// decision can be exercised without also driving the state machine's
// BLE/Network/Display effects.
func (o *Orchestrator) registerOwner(data ble.OwnerSetupEvent) bool {
	defer crypto.Zeroise(data.PIN)

	if !data.Valid {
		o.logger.Warn("orchestrator: owner setup payload failed validation")
		return false
	}
	if err := o.ownership.Register(o.identity.DeviceID, data.OwnerName, string(data.PIN)); err != nil {
		o.logger.Warn("ownership: register failed", "error", err)
		return false
	}
	return true
}

// dispatch evaluates one event against the current state, applies its
// effects in the BLE -> Network -> Display order, and publishes
// StateChanged.
func (o *Orchestrator) dispatch(ctx context.Context, ev provisioning.Event) {
	guard := o.buildGuard(ev)

	before := o.machine.Current()
	after, err := o.machine.Apply(ev, guard)
	if err != nil {
		if _, ignored := err.(*provisioning.ErrNoTransition); ignored {
			return
		}
		o.logger.Warn("orchestrator: transition error", "error", err)
		return
	}

	metrics.RecordTransition(before.String(), ev.Kind, after.String(), after.StatusCode())
	o.logger.Info("state transition", "from", before, "event", ev.Kind, "to", after)

	o.applyEffects(ctx, before, after, ev, guard)

	o.bus.Publish(eventbus.Event{
		Kind: "StateChanged",
		Data: StateChanged{From: before, To: after},
	})

	if before != provisioning.OwnerSetup && after == provisioning.OwnerSetup {
		o.ownership.BeginSetup()
		go o.watchSetupTimeout(ctx)
	}

	if after == provisioning.FactoryReset {
		go o.completeFactoryReset(ctx)
	}
}

// watchSetupTimeout publishes SetupTimeout if the machine is still in
// OwnerSetup once the owner-registration window (ownership.Service's
// SetupTimeout) elapses, driving the OwnerSetup --SetupTimeout-->
// Error transition. It exits without publishing if ctx is cancelled or
// the machine has already left OwnerSetup by then.
func (o *Orchestrator) watchSetupTimeout(ctx context.Context) {
	timer := time.NewTimer(o.ownership.SetupTimeout())
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
		if o.machine.Current() == provisioning.OwnerSetup {
			o.bus.Publish(eventbus.Event{Kind: provisioning.EventSetupTimeout})
		}
	}
}

// StateChanged is the payload of the StateChanged bus event.
type StateChanged struct {
	From, To provisioning.State
}

// buildGuard populates the Guard context the transition table needs
// from the current state of every component.
func (o *Orchestrator) buildGuard(ev provisioning.Event) provisioning.Guard {
	g := provisioning.Guard{
		OwnerRequired: o.ownership.OwnerRequired(),
		OwnerPresent:  o.ownership.OwnerPresent(),
	}

	wifi, _ := o.store.LoadWifi()
	g.WifiProfilePresent = wifi != nil

	switch ev.Kind {
	case provisioning.EventCredentialsReceived:
		if data, ok := ev.Data.(ble.CredentialsEvent); ok {
			g.CredentialsValid = data.Valid
			g.PINOk = o.checkPIN(data)
		}
	case provisioning.EventConnectFailed:
		if kind, ok := ev.Data.(network.FailureKind); ok {
			if kind.UserCorrectable() {
				g.ConnectFailureKind = "user_correctable"
			} else {
				g.ConnectFailureKind = "transient"
			}
		}
	case provisioning.EventResetRequested:
		g.ResetConfirmed = true
	}
	return g
}

// checkPIN authenticates the credential message's optional PIN against
// the ownership service when a PIN is required. It zeroises the PIN
// bytes once authentication completes, since this is the only consumer
// of data.Message.PIN (attemptConnect never reads it).
func (o *Orchestrator) checkPIN(data ble.CredentialsEvent) bool {
	if !o.ownership.OwnerRequired() {
		return true
	}
	if len(data.Message.PIN) == 0 {
		return false
	}
	defer crypto.Zeroise(data.Message.PIN)

	result, err := o.ownership.Authenticate(string(data.Message.PIN))
	if err != nil {
		o.logger.Warn("ownership: authenticate error", "error", err)
		return false
	}
	return result == ownership.AuthOK
}

// applyEffects runs the transition's side effects in the deterministic
// BLE -> Network -> Display order (spec.md §5). It writes no durable
// records itself.
func (o *Orchestrator) applyEffects(ctx context.Context, from, to provisioning.State, ev provisioning.Event, g provisioning.Guard) {
	o.applyBLEEffect(to)
	o.applyNetworkEffect(ctx, to, ev, g)
	o.applyDisplayEffect(to)
}

func (o *Orchestrator) applyBLEEffect(to provisioning.State) {
	o.bleEffectMu.Lock()
	defer o.bleEffectMu.Unlock()

	switch to {
	case provisioning.OwnerSetup, provisioning.Provisioning:
		if err := o.ble.StartAdvertising(); err != nil {
			o.logger.Warn("ble: start advertising failed", "error", err)
		}
	case provisioning.Connected, provisioning.FactoryReset:
		if err := o.ble.StopAdvertising(); err != nil {
			o.logger.Warn("ble: stop advertising failed", "error", err)
		}
	}
	o.ble.UpdateStatus(to.StatusCode())
}

func (o *Orchestrator) applyNetworkEffect(ctx context.Context, to provisioning.State, ev provisioning.Event, g provisioning.Guard) {
	o.networkEffectMu.Lock()
	defer o.networkEffectMu.Unlock()

	if to != provisioning.Connecting {
		return
	}

	go o.attemptConnect(ctx, ev)
}

// attemptConnect runs the network connect effect off the
// state-machine goroutine (it may block for several connect attempts,
// each bounded by the network service's adaptive timeout, plus the
// backoff between them) and
// feeds the outcome back as a Connected/ConnectFailed bus event.
func (o *Orchestrator) attemptConnect(ctx context.Context, ev provisioning.Event) {
	var ssid, password string
	var sec network.SecurityType

	if data, ok := ev.Data.(ble.CredentialsEvent); ok {
		ssid = data.Message.SSID
		password = string(data.Message.Password)
		sec = network.SecurityType(data.Message.Security)
		defer crypto.Zeroise(data.Message.Password)
	} else if wifi, err := o.store.LoadWifi(); err == nil && wifi != nil {
		ssid, password, sec = wifi.SSID, wifi.Password, network.SecurityType(wifi.SecurityType)
	} else {
		o.bus.Publish(eventbus.Event{Kind: provisioning.EventConnectFailed, Data: network.FailureNoSuchNetwork})
		return
	}

	profile, err := o.network.Connect(ctx, ssid, password, sec)
	if err != nil {
		kind := network.FailureTimeout
		if ce, ok := err.(*network.ConnectError); ok {
			kind = ce.Kind
		}
		o.bus.Publish(eventbus.Event{Kind: provisioning.EventConnectFailed, Data: kind})
		return
	}

	if err := o.store.StoreWifi(store.WifiProfile{
		SSID:         profile.SSID,
		Password:     profile.Password,
		SecurityType: string(profile.SecurityType),
		SavedAt:      profile.ConnectedAt,
	}); err != nil {
		o.logger.Error("store: persist wifi profile failed", "error", err)
	}

	o.bus.Publish(eventbus.Event{Kind: provisioning.EventConnected})
}

func (o *Orchestrator) applyDisplayEffect(to provisioning.State) {
	o.displayEffectMu.Lock()
	defer o.displayEffectMu.Unlock()

	switch to {
	case provisioning.OwnerSetup:
		_ = o.display.ShowQR(o.identity.QRPayload, "Set up owner")
	case provisioning.Provisioning:
		_ = o.display.ShowQR(o.identity.QRPayload, "Connect to Wi-Fi")
	case provisioning.Connecting:
		_ = o.display.ShowStatus("Connecting...")
	case provisioning.Connected:
		_ = o.display.ShowStatus("Connected")
	case provisioning.ErrorState:
		_ = o.display.ShowStatus("Error")
	case provisioning.FactoryReset:
		_ = o.display.Clear()
	}
}

// completeFactoryReset waits out a fixed 2s grace period (or until ctx
// is cancelled), then clears all durable state and BLE/ownership
// state and re-enters Initializing via
// the synthetic FactoryResetComplete event (spec.md §5 "FactoryReset
// cancels any in-flight effect... within a bounded grace (default 2s)
// before clearing state").
func (o *Orchestrator) completeFactoryReset(ctx context.Context) {
	graceCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	<-graceCtx.Done()

	o.ble.ClearSession()
	if err := o.ownership.ClearOwner(); err != nil {
		o.logger.Warn("ownership: clear owner failed", "error", err)
	}
	if err := o.store.ClearAll(); err != nil {
		o.logger.Error("store: clear all failed", "error", err)
	}

	o.bus.Publish(eventbus.Event{Kind: provisioning.EventFactoryResetComplete})
}

// GPIOResetPublisher adapts a gpio.Monitor's onReset callback to
// publish ResetRequested onto the event bus.
func GPIOResetPublisher(bus *eventbus.Bus) func() {
	return func() {
		bus.Publish(eventbus.Event{Kind: provisioning.EventResetRequested, Data: "gpio"})
	}
}
