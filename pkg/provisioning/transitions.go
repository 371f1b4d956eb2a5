package provisioning

// row is one entry of the static transition table from spec.md §4.9.
// Guard is a predicate over the Guard context; a nil Guard always
// matches (events not listed for a state are ignored, per spec.md).
type row struct {
	From  State
	Event string
	Guard func(Guard) bool
	To    State
}

func always(Guard) bool { return true }

// table is the authoritative transition table. Order matters within a
// (From, Event) pair: the first matching guard wins.
var table = []row{
	{Initializing, EventInitComplete, func(g Guard) bool {
		return g.OwnerRequired && !g.OwnerPresent
	}, OwnerSetup},
	{Initializing, EventInitComplete, func(g Guard) bool {
		return (!g.OwnerRequired || g.OwnerPresent) && !g.WifiProfilePresent
	}, Provisioning},
	{Initializing, EventInitComplete, func(g Guard) bool {
		return g.WifiProfilePresent
	}, Connecting},

	{OwnerSetup, EventOwnerRegistered, always, Provisioning},
	{OwnerSetup, EventSetupTimeout, always, ErrorState},

	{Provisioning, EventCredentialsReceived, func(g Guard) bool {
		return g.CredentialsValid && g.PINOk
	}, Connecting},
	{Provisioning, EventCredentialsReceived, func(g Guard) bool {
		return !g.CredentialsValid || !g.PINOk
	}, Provisioning},

	{Connecting, EventConnected, always, Connected},
	{Connecting, EventConnectFailed, func(g Guard) bool {
		return g.ConnectFailureKind == "user_correctable"
	}, Provisioning},
	{Connecting, EventConnectFailed, func(g Guard) bool {
		return g.ConnectFailureKind == "transient"
	}, Connecting},

	{Connected, EventNetworkLost, always, Connecting},
	{Connected, EventReprovisionRequested, always, Provisioning},

	// FactoryReset's effect ("clear all, then -> Initializing") is
	// modeled as this internal follow-up event, emitted by the
	// orchestrator once the clear-all effect has completed.
	{FactoryReset, EventFactoryResetComplete, always, Initializing},
}

// wildcardTable holds the "any" rows from spec.md §4.9, evaluated
// after the state-specific table when no specific row matches.
var wildcardTable = []row{
	{-1, EventResetRequested, func(g Guard) bool { return g.ResetConfirmed }, FactoryReset},
	{-1, EventFatalError, always, ErrorState},
}

// match finds the transition row for (current, ev, g), first checking
// state-specific rows, then the wildcard ("any") rows.
func match(current State, ev Event, g Guard) (row, bool) {
	for _, r := range table {
		if r.From == current && r.Event == ev.Kind && (r.Guard == nil || r.Guard(g)) {
			return r, true
		}
	}
	for _, r := range wildcardTable {
		if r.Event == ev.Kind && (r.Guard == nil || r.Guard(g)) {
			return row{From: current, Event: ev.Kind, Guard: r.Guard, To: r.To}, true
		}
	}
	return row{}, false
}
