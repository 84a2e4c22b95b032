package jamespy

import (
	"github.com/prometheus/client_golang/prometheus"
	"sync"
)

const metricsNamespace = "jamespy"

var (
	metricDiscordConnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "discord",
			Name:      "connects_total",
			Help:      "Total number of discord gateway connects",
		},
	)
	metricDiscordDisconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "discord",
			Name:      "disconnects_total",
			Help:      "Total number of discord gateway disconnects",
		},
	)
	metricInteractions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "discord",
			Name:      "interactions_total",
			Help:      "Total number of interactions received, by command or component",
		},
		[]string{"command"},
	)
	metricMessagesSeen = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "messages",
			Name:      "created_total",
			Help:      "Total number of messages seen",
		},
	)
	metricMessagesEdited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "messages",
			Name:      "edited_total",
			Help:      "Total number of cached messages whose content was edited",
		},
	)
	metricMessagesDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "messages",
			Name:      "deleted_total",
			Help:      "Total number of message deletions seen",
		},
	)
	metricPurgedMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "purge",
			Name:      "deleted_messages_total",
			Help:      "Total number of messages deleted by purge commands",
		},
	)
	metricStarboardQueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "starboard",
			Name:      "queued_total",
			Help:      "Total number of messages queued for starboard review",
		},
	)
	metricStarboardReviewed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "starboard",
			Name:      "reviewed_total",
			Help:      "Total number of starboard entries reviewed, by outcome",
		},
		[]string{"status"},
	)
	metricAPIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Total number of API requests, by route and status",
		},
		[]string{"route", "status"},
	)
)

var registerMetrics sync.Once

func init() {
	registerMetrics.Do(
		func() {
			prometheus.MustRegister(
				metricDiscordConnects,
				metricDiscordDisconnects,
				metricInteractions,
				metricMessagesSeen,
				metricMessagesEdited,
				metricMessagesDeleted,
				metricPurgedMessages,
				metricStarboardQueued,
				metricStarboardReviewed,
				metricAPIRequests,
			)
		},
	)
}
