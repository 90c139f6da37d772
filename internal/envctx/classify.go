// Package envctx works out which execution context the calling code runs in
// and whether its commands have to travel through the relay.
package envctx

// Context is one of the isolated sandboxes an extension's code can run in.
type Context string

const (
	PrivilegedCoordinator Context = "privileged-coordinator"
	RestrictedCaller      Context = "restricted-caller"
	PageExecutor          Context = "page-executor"
	HostAbsent            Context = "host-absent"
)

// Environment lists the capabilities visible to the calling code.
type Environment struct {
	// Runtime is true when the extension messaging runtime is reachable.
	Runtime bool
	// Tabs is true when the code may enumerate and script browser tabs.
	Tabs bool
	// DOM is true when a document is reachable from the calling code.
	DOM bool
	// ExtensionPage is true when that document is one of the extension's own
	// pages (a panel or popup) rather than the host page.
	ExtensionPage bool
}

type Options struct {
	// ExecutorViaRelay makes the page executor send its own commands through
	// the coordinator so every DOM operation takes the same path.
	ExecutorViaRelay bool
}

// DefaultOptions keeps the single code path through the coordinator.
func DefaultOptions() Options {
	return Options{ExecutorViaRelay: true}
}

type Classification struct {
	Context        Context
	IsPrivileged   bool
	IsPageExecutor bool
	IsRestricted   bool
	RequiresProxy  bool
}

// Classify maps an environment to its execution context. It has no side effects.
func Classify(env Environment, opts Options) Classification {
	var c Classification
	switch {
	case !env.Runtime:
		c.Context = HostAbsent
	case env.DOM && !env.ExtensionPage:
		c.Context = PageExecutor
		c.IsPageExecutor = true
		c.RequiresProxy = opts.ExecutorViaRelay
	case env.Tabs && !env.DOM:
		c.Context = PrivilegedCoordinator
		c.IsPrivileged = true
	default:
		// extension pages see the tabs API but never the host document
		c.Context = RestrictedCaller
		c.IsRestricted = true
		c.RequiresProxy = true
	}
	return c
}
