package otel

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrEthical07/vigil"
	"github.com/MrEthical07/vigil/metrics/export/internaldefs"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrNilMeter  = errors.New("otel: nil meter")
	ErrNilSource = errors.New("otel: nil metrics source")
)

// Source supplies metric snapshots. [vigil.Engine] satisfies it.
type Source interface {
	MetricsSnapshot() vigil.MetricsSnapshot
	AuditDropped() uint64
}

type counter struct {
	id  vigil.MetricID
	ins metric.Int64ObservableCounter
}

type histogram struct {
	id      vigil.MetricID
	buckets metric.Int64ObservableGauge
	count   metric.Int64ObservableGauge
}

// Exporter keeps the callback registration alive until Close.
type Exporter struct {
	source       Source
	registration metric.Registration
	counters     []counter
	histograms   []histogram
	dropped      metric.Int64ObservableCounter
	bounds       []metric.ObserveOption
}

// Register creates the instruments on meter and reads engine on every
// collection.
func Register(meter metric.Meter, engine *vigil.Engine) (*Exporter, error) {
	return RegisterSource(meter, engine)
}

// RegisterSource is Register for an arbitrary source.
func RegisterSource(meter metric.Meter, source Source) (*Exporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	x := &Exporter{source: source}
	var observables []metric.Observable

	for _, def := range internaldefs.CounterDefs {
		ins, err := meter.Int64ObservableCounter(def.Name, metric.WithDescription(def.Help))
		if err != nil {
			return nil, fmt.Errorf("counter %s: %w", def.Name, err)
		}
		x.counters = append(x.counters, counter{id: def.ID, ins: ins})
		observables = append(observables, ins)
	}

	for _, le := range internaldefs.HistogramBounds {
		x.bounds = append(x.bounds, metric.WithAttributes(attribute.String("le", le)))
	}
	for _, def := range internaldefs.HistogramDefs {
		buckets, err := meter.Int64ObservableGauge(def.Name+"_bucket", metric.WithDescription(def.Help+" Cumulative count per bucket."))
		if err != nil {
			return nil, fmt.Errorf("histogram %s: %w", def.Name, err)
		}
		count, err := meter.Int64ObservableGauge(def.Name+"_count", metric.WithDescription(def.Help+" Sample count."))
		if err != nil {
			return nil, fmt.Errorf("histogram %s: %w", def.Name, err)
		}
		x.histograms = append(x.histograms, histogram{id: def.ID, buckets: buckets, count: count})
		observables = append(observables, buckets, count)
	}

	dropped, err := meter.Int64ObservableCounter(
		"vigil_audit_dropped_total",
		metric.WithDescription("Audit events dropped because the dispatcher queue was full."),
	)
	if err != nil {
		return nil, fmt.Errorf("counter vigil_audit_dropped_total: %w", err)
	}
	x.dropped = dropped
	observables = append(observables, dropped)

	reg, err := meter.RegisterCallback(x.observe, observables...)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}
	x.registration = reg
	return x, nil
}

func (x *Exporter) observe(_ context.Context, o metric.Observer) error {
	snap := x.source.MetricsSnapshot()
	for _, c := range x.counters {
		o.ObserveInt64(c.ins, int64(snap.Counters[c.id]))
	}
	for _, h := range x.histograms {
		cum := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(snap.Histograms[h.id]))
		for i := range cum {
			o.ObserveInt64(h.buckets, int64(cum[i]), x.bounds[i])
		}
		o.ObserveInt64(h.count, int64(cum[len(cum)-1]))
	}
	o.ObserveInt64(x.dropped, int64(x.source.AuditDropped()))
	return nil
}

// Close unregisters the collection callback.
func (x *Exporter) Close() error {
	if x == nil || x.registration == nil {
		return nil
	}
	return x.registration.Unregister()
}
