package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	snapshotsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat",
		Name:      "snapshots_delivered_total",
		Help:      "Live query snapshots delivered to chat views.",
	}, []string{"view"})

	unreadResets = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat",
		Name:      "unread_resets_total",
		Help:      "Unread counter resets issued for the active reader.",
	}, []string{"trigger"})

	messagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chat",
		Name:      "messages_sent_total",
		Help:      "Messages appended to conversations.",
	})

	conversationsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chat",
		Name:      "conversations_created_total",
		Help:      "Conversations created on first contact.",
	})

	storeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat",
		Name:      "store_errors_total",
		Help:      "Store failures that were logged and tolerated.",
	}, []string{"op"})
)
