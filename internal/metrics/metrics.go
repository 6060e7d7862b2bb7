package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"MailRota/internal/models"
)

var (
	EmailsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emails_sent_total",
			Help: "Total emails sent, by sender account",
		},
		[]string{"sender"},
	)

	EmailFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "email_failures_total",
			Help: "Total failed send attempts, by failure kind",
		},
		[]string{"kind"},
	)

	CapacitySkips = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_capacity_skips_total",
			Help: "Tasks left queued because no sender had capacity",
		},
	)

	StuckReleased = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_stuck_released_total",
			Help: "Tasks forced back to queued after being stuck in processing",
		},
	)

	StuckTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "email_stuck_tasks",
			Help: "Tasks in processing longer than the stuck threshold at the last sweep",
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "email_tasks",
			Help: "Delivery tasks by status",
		},
		[]string{"status"},
	)

	SenderFailureRate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sender_failure_rate",
			Help: "Failure rate over the health window, by sender account",
		},
		[]string{"sender"},
	)

	SenderSuspended = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sender_suspended",
			Help: "1 when the sender account is suspended",
		},
		[]string{"sender"},
	)

	SendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "email_send_duration_seconds",
			Help:    "Duration of transport calls",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func Init() {
	prometheus.MustRegister(EmailsSent)
	prometheus.MustRegister(EmailFailures)
	prometheus.MustRegister(CapacitySkips)
	prometheus.MustRegister(StuckReleased)
	prometheus.MustRegister(StuckTasks)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(SenderFailureRate)
	prometheus.MustRegister(SenderSuspended)
	prometheus.MustRegister(SendDuration)
}

// ObserveQueue publishes per-status task counts.
func ObserveQueue(counts map[models.TaskStatus]int) {
	for status, n := range counts {
		QueueDepth.WithLabelValues(string(status)).Set(float64(n))
	}
}

// ObserveHealth publishes one sender's health snapshot.
func ObserveHealth(rec models.HealthRecord) {
	if rec.Status == models.HealthUnknown {
		return
	}
	SenderFailureRate.WithLabelValues(rec.SenderEmail).Set(rec.FailureRate)
	suspended := 0.0
	if rec.Status == models.HealthSuspended {
		suspended = 1
	}
	SenderSuspended.WithLabelValues(rec.SenderEmail).Set(suspended)
}
