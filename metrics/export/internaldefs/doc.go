// Package internaldefs holds the metric names and bucket bounds shared by
// the exporters so that Prometheus and OpenTelemetry report identical series.
//
// It must not perform I/O or import an exporter package.
package internaldefs
