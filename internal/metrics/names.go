package metrics

// Metric names shared across the host components.
const (
	IPCSent             = "kisaki_ipc_sent_total"
	IPCQueued           = "kisaki_ipc_queued_total"
	IPCDropped          = "kisaki_ipc_dropped_total"
	IPCDeliveryFailures = "kisaki_ipc_delivery_failures_total"
	IPCPending          = "kisaki_ipc_pending"
	SurfacesAttached    = "kisaki_surfaces_attached"

	EventsEmitted   = "kisaki_events_emitted_total"
	EventsForwarded = "kisaki_events_forwarded_total"
	ListenerPanics  = "kisaki_listener_panics_total"

	FetchAttempts = "kisaki_fetch_attempts_total"
	FetchRetries  = "kisaki_fetch_retries_total"
	FetchTimeouts = "kisaki_fetch_timeouts_total"

	RateLimitWait = "kisaki_ratelimit_wait_seconds"
)

// WaitBuckets are the histogram buckets (seconds) for rate limiter waits.
var WaitBuckets = []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30}
