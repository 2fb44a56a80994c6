// Package upstream is the worker's view of the network. It defines the
// intercepted Request (method, URL, headers, navigation mode, destination) and
// the Fetcher contract, and ships the production Fetcher built on a shared
// http.Client. Fetch buffers the whole body into a cache.Response snapshot so
// the router can hand one copy to the caller and another to the cache.
// Transport failures wrap ErrNetwork; non-2xx statuses are responses, not
// errors.
package upstream
