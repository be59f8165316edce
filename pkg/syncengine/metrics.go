// messagis - a direct-messaging chat app with an offline-first sync core.
// Copyright (C) 2025 messagis authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
package syncengine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reconciledEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "messagis_sync_reconciled_total",
		Help: "Incoming message events by reconciliation outcome.",
	}, []string{"outcome"})
	sendAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "messagis_sync_sends_total",
		Help: "Optimistic sends by result.",
	}, []string{"result"})
	pollCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messagis_sync_poll_cycles_total",
		Help: "Completed fallback poll cycles.",
	})
)

const (
	outcomeRedelivered = "redelivered"
	outcomeEchoMatched = "echo_matched"
	outcomeInserted    = "inserted"
	outcomePullFailed  = "pull_failed"

	resultConfirmed = "confirmed"
	resultFailed    = "failed"
)
