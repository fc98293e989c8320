// Package otel binds engine counters to OpenTelemetry observable instruments.
//
// Counters become Int64ObservableCounter instruments. The guard latency
// histogram is reported as one cumulative gauge per bucket, distinguished by
// the "le" attribute. The caller owns the MeterProvider.
package otel
