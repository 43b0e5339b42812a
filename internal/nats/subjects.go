package nats

import "fmt"

// Subject hierarchy for the event queue.
//
//	gw.events.pending   -- event IDs awaiting a worker
//	gw.events.notify.>  -- lifecycle notifications (wildcardable)
//	gw.exec.jobs        -- request/reply subject of the execution service
const (
	// Stream for pending event messages.
	StreamName    = "GW_EVENTS"
	SubjectPrefix = "gw"

	// KV bucket names
	BucketEvents = "gw-events" // event state records
	BucketActive = "gw-active" // lease records, CAS-extended
	BucketDead   = "gw-dead"   // permanently failed event index
	BucketStats  = "gw-stats"  // per-type counters
)

// PendingSubject returns the subject pending event IDs are published to.
func PendingSubject() string {
	return fmt.Sprintf("%s.events.pending", SubjectPrefix)
}

// NotifySubject returns a subject for lifecycle notifications.
// Example: gw.events.notify.completed
func NotifySubject(kind string) string {
	return fmt.Sprintf("%s.events.notify.%s", SubjectPrefix, kind)
}

// NotifyAllSubject returns the wildcard subject for all notifications.
func NotifyAllSubject() string {
	return fmt.Sprintf("%s.events.notify.>", SubjectPrefix)
}

// ConsumerName returns the shared durable consumer name. All workers
// pull from the same consumer so each pending event reaches exactly one
// of them.
func ConsumerName() string {
	return "gw-worker"
}

// statsKey returns the KV key for a per-type counter.
func statsKey(eventType, stat string) string {
	return eventType + "." + stat
}
