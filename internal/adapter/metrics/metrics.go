// Package metrics exposes prometheus instrumentation of the HTTP surface,
// the price oracle and the batch settlement jobs.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"goldledger/internal/core/domain"
	"goldledger/internal/core/ports"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "goldledger"

// Metrics owns a private registry so tests and multiple binaries do not
// collide on the global one.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	oracleRequests *prometheus.CounterVec
	spotPrice      prometheus.Gauge

	distributions *prometheus.CounterVec
	settledGrams  prometheus.Counter
	maturedPlans  prometheus.Counter
	expiredIntent prometheus.Counter
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status_code"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		oracleRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oracle_requests_total",
			Help:      "Spot price lookups by result",
		}, []string{"result"}),
		spotPrice: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "spot_price_usd_per_gram",
			Help:      "Last spot price served by the oracle",
		}),
		distributions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bnsl_distributions_total",
			Help:      "Distributions processed by batch settlement, by result",
		}, []string{"result"}),
		settledGrams: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bnsl_settled_grams_total",
			Help:      "Grams credited by batch settlement",
		}),
		maturedPlans: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bnsl_matured_plans_total",
			Help:      "Plans matured by the scheduler",
		}),
		expiredIntent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intents_expired_total",
			Help:      "Pending intents expired by the scheduler",
		}),
	}
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// GinMiddleware records request counts and latency per route template.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.httpRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

// Oracle wraps a price oracle, counting lookups and exporting the last price.
func (m *Metrics) Oracle(next ports.PriceOracle) ports.PriceOracle {
	return &instrumentedOracle{next: next, m: m}
}

type instrumentedOracle struct {
	next ports.PriceOracle
	m    *Metrics
}

func (o *instrumentedOracle) SpotPrice(ctx context.Context) (domain.PriceSnapshot, error) {
	snap, err := o.next.SpotPrice(ctx)
	if err != nil {
		o.m.oracleRequests.WithLabelValues("error").Inc()
		return snap, err
	}
	o.m.oracleRequests.WithLabelValues("ok").Inc()
	o.m.spotPrice.Set(snap.PricePerGram.InexactFloat64())
	return snap, nil
}

// Plans wraps a plan service, counting batch settlement and maturity outcomes.
func (m *Metrics) Plans(next ports.PlanService) ports.PlanService {
	return &instrumentedPlans{PlanService: next, m: m}
}

type instrumentedPlans struct {
	ports.PlanService
	m *Metrics
}

func (p *instrumentedPlans) SettleDueDistributions(ctx context.Context, now time.Time) (*ports.SettlementReport, error) {
	report, err := p.PlanService.SettleDueDistributions(ctx, now)
	if report != nil {
		p.m.distributions.WithLabelValues("settled").Add(float64(len(report.Settled)))
		p.m.distributions.WithLabelValues("failed").Add(float64(len(report.Failed)))
		for _, item := range report.Settled {
			p.m.settledGrams.Add(item.SettledGrams.InexactFloat64())
		}
	}
	return report, err
}

func (p *instrumentedPlans) MatureDuePlans(ctx context.Context, now time.Time) (int, error) {
	n, err := p.PlanService.MatureDuePlans(ctx, now)
	p.m.maturedPlans.Add(float64(n))
	return n, err
}

// Transfers wraps a transfer service, counting expired intents.
func (m *Metrics) Transfers(next ports.TransferService) ports.TransferService {
	return &instrumentedTransfers{TransferService: next, m: m}
}

type instrumentedTransfers struct {
	ports.TransferService
	m *Metrics
}

func (t *instrumentedTransfers) ExpireStale(ctx context.Context, now time.Time, limit int) (int, error) {
	n, err := t.TransferService.ExpireStale(ctx, now, limit)
	t.m.expiredIntent.Add(float64(n))
	return n, err
}
