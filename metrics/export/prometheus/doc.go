// Package prometheus renders engine counters and the guard latency histogram
// in the Prometheus text exposition format.
//
// [Exporter] is an [http.Handler]; mount it on the route a scraper polls.
// Nothing is registered in a global registry and engine state is only read.
package prometheus
