/*
Package metrics defines the Prometheus collectors exported by BeeDrive.

All collectors are registered with the default registry at init and served
by Handler. Counters and histograms are updated in place by the acceptor
and managers; the gauges for live workers are refreshed by Collector, which
polls the server status every StatusInterval:

	collector := metrics.NewCollector(srv, 15*time.Second, logger)
	collector.Start()
	defer collector.Stop()

Timer measures an operation and observes it into a histogram:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DispatchLatency)
*/
package metrics
