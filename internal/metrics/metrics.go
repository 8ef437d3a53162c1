package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// emailsSent counts sends accepted by the provider.
	emailsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mailkite",
		Subsystem: "worker",
		Name:      "emails_sent_total",
		Help:      "Number of emails accepted by the sending provider",
	})

	// emailsFailed counts delivery records that ended in failed.
	// Labels:
	// - kind: "transient" (retries exhausted) or "permanent"
	emailsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailkite",
		Subsystem: "worker",
		Name:      "emails_failed_total",
		Help:      "Number of sends that ended in a failed delivery record",
	}, []string{"kind"})

	// notificationEvents counts inbound provider notifications by type.
	notificationEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailkite",
		Subsystem: "events",
		Name:      "notifications_total",
		Help:      "Number of provider notifications ingested",
	}, []string{"type"})

	// orphanEvents counts notifications buffered because no delivery record
	// existed yet for their provider message id.
	orphanEvents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mailkite",
		Subsystem: "events",
		Name:      "orphan_events_total",
		Help:      "Number of notifications buffered waiting for their send record",
	})

	// orphanEventsExpired counts buffered notifications dropped after the TTL.
	orphanEventsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mailkite",
		Subsystem: "events",
		Name:      "orphan_events_expired_total",
		Help:      "Number of buffered notifications dropped after the pending TTL",
	})

	// campaignsCompleted counts campaigns that reached completed.
	campaignsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mailkite",
		Subsystem: "campaigns",
		Name:      "completed_total",
		Help:      "Number of campaigns that reached completed",
	})

	// sendRateLimited counts worker sends deferred by the tenant rate limit.
	sendRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mailkite",
		Subsystem: "worker",
		Name:      "send_rate_limited_total",
		Help:      "Number of jobs requeued because the tenant send rate was exceeded",
	})
)

func IncEmailsSent()                { emailsSent.Inc() }
func IncEmailsFailed(kind string)   { emailsFailed.WithLabelValues(kind).Inc() }
func IncNotification(evType string) { notificationEvents.WithLabelValues(evType).Inc() }
func IncOrphanEvents()              { orphanEvents.Inc() }
func IncOrphanEventsExpired()       { orphanEventsExpired.Inc() }
func IncCampaignsCompleted()        { campaignsCompleted.Inc() }
func IncSendRateLimited()           { sendRateLimited.Inc() }
