// Package server hosts the Fiber HTTP service that plays the hosting runtime
// for the worker: the request-ID and Host resolution middleware, the Host
// type that delivers lifecycle/sync/push/message events and applies the
// resulting effects, and the window-client tracker the worker uses to focus
// or open windows. Proxy handlers and /-/ runtime routes live in sibling
// packages and only depend on the exports here.
package server
