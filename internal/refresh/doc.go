// Package refresh holds the background refresh jobs. Each job is bound to a
// sync tag, runs to completion on its own and reports a boolean outcome; it
// never returns an error to the scheduler and never retries on its own.
//
// Tags:
//
//	sync-mole-data       data-sync               (background sync)
//	send-notifications   scheduled-notification  (background sync)
//	update-mole-content  content-update          (periodic sync)
package refresh
