// Package metrics registers the coordinator's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QueuePending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reconmc_queue_pending",
		Help: "Queue items waiting to be claimed.",
	})

	QueueProcessing = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reconmc_queue_processing",
		Help: "Queue items currently assigned to an agent.",
	})

	ClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconmc_claims_total",
		Help: "Claim requests by outcome.",
	}, []string{"outcome"}) // claimed | empty | no_resources

	ScansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconmc_scans_total",
		Help: "Terminal scan reports by outcome.",
	}, []string{"outcome"}) // completed | failed

	AdmissionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconmc_admission_total",
		Help: "Admission decisions for submitted server addresses.",
	}, []string{"result"}) // added | duplicate | private | invalid
)
