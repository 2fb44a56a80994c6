// Package worker is the core of shellcache: the install/activate lifecycle,
// the per-request router and the dispatcher that maps every hosting-runtime
// event (install, activate, fetch, push, notification click, sync, periodic
// sync, message) to an Effect.
//
// The Cache Registry is the only mutable state shared between events. The
// hosting runtime owns timers, window clients and the network transport and
// hands them in through Options.
package worker
