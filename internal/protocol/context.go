package protocol

// Context names one kind of isolated execution context.
type Context string

const (
	ContextBackground    Context = "background"
	ContextPopup         Context = "popup"
	ContextOptions       Context = "options"
	ContextSidePanel     Context = "sidepanel"
	ContextDevtools      Context = "devtools"
	ContextContentScript Context = "content-script"
	ContextInjectScript  Context = "inject-script"
)

// HubContext is the context the hub runs in.
const HubContext = ContextBackground

type contextTraits struct {
	// scoped addresses require a scope
	scoped bool
	// ui contexts register handlers some time after connecting
	ui bool
	// scopeUnaware contexts do not know their own scope
	scopeUnaware bool
	// relayVia is the companion context used for lookups; empty when the
	// context holds its own hub connection
	relayVia Context
}

var contextTable = map[Context]contextTraits{
	ContextBackground:    {},
	ContextPopup:         {ui: true},
	ContextOptions:       {ui: true},
	ContextSidePanel:     {ui: true},
	ContextDevtools:      {scoped: true, ui: true},
	ContextContentScript: {scoped: true, scopeUnaware: true},
	ContextInjectScript:  {scoped: true, scopeUnaware: true, relayVia: ContextContentScript},
}

// Contexts returns every known context in a stable order.
func Contexts() []Context {
	return []Context{
		ContextBackground,
		ContextPopup,
		ContextOptions,
		ContextSidePanel,
		ContextDevtools,
		ContextContentScript,
		ContextInjectScript,
	}
}

func (c Context) Valid() bool {
	_, ok := contextTable[c]
	return ok
}

func (c Context) Scoped() bool { return contextTable[c].scoped }

func (c Context) UI() bool { return contextTable[c].ui }

func (c Context) ScopeUnaware() bool { return contextTable[c].scopeUnaware }

// RelayVia returns the companion context c is reached through, if any.
func (c Context) RelayVia() (Context, bool) {
	via := contextTable[c].relayVia
	return via, via != ""
}

func (c Context) String() string { return string(c) }
