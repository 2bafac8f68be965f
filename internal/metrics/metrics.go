package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/labstack/echo/v4"
)

var (
	InboundReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inbound_messages_total",
		Help: "Inbound messages accepted by the gateway.",
	}, []string{"channel_type"})

	PipelineLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pipeline_latency_seconds",
		Help:    "End to end latency of the orchestrator pipeline.",
		Buckets: prometheus.DefBuckets,
	})

	PipelineFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_failures_total",
		Help: "Pipeline aborts by failure code.",
	}, []string{"code"})

	LLMLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "llm_latency_seconds",
		Help:    "Latency of LLM completions including retries.",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30},
	})

	RetrievalHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "retrieval_hits_total",
		Help: "Retrieval hits returned to the LLM.",
	}, []string{"tenant_id"})

	PolicyDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "policy_denials_total",
		Help: "Responses denied by policy evaluation.",
	}, []string{"reason"})

	OutboundDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbound_delivered_total",
		Help: "Outbound deliveries by channel type and outcome.",
	}, []string{"channel_type", "outcome"})

	IngestionJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestion_jobs_total",
		Help: "Ingestion jobs by terminal status.",
	}, []string{"status"})

	IngestionChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingestion_chunks_total",
		Help: "Chunks embedded and upserted by the ingestion worker.",
	})

	AutomationQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "automation_queue_depth",
		Help: "Pending automation jobs per tenant.",
	}, []string{"tenant_id"})

	AutomationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "automation_failures_total",
		Help: "Automation job failures per tenant.",
	}, []string{"tenant_id"})

	AutomationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "automation_latency_seconds",
		Help:    "Execution latency for automation jobs.",
		Buckets: prometheus.DefBuckets,
	})

	DeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dead_lettered_total",
		Help: "Records moved to a dead letter partition.",
	}, []string{"stream"})
)

// Register mounts the prometheus scrape endpoint on an echo server.
func Register(e *echo.Echo) {
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}
