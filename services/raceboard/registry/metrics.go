// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	descAdaptersTotal = prometheus.NewDesc(
		"raceboard_adapters_total",
		"Registered adapter instances, terminal leftovers included.",
		nil, nil)
	descAdaptersByState = prometheus.NewDesc(
		"raceboard_adapters_state",
		"Adapter instances by state.",
		[]string{"state"}, nil)
	descAdapterHealth = prometheus.NewDesc(
		"raceboard_adapter_health",
		"Per-adapter health severity (0 normal through 3 dead).",
		[]string{"adapter_type", "instance", "state"}, nil)
	descAdapterLastReport = prometheus.NewDesc(
		"raceboard_adapter_last_report_seconds",
		"Seconds since the adapter last reported health.",
		[]string{"adapter_type", "instance", "state"}, nil)
	descAdapterRacesCreated = prometheus.NewDesc(
		"raceboard_adapter_races_created_total",
		"Races created by the adapter, from its last health report.",
		[]string{"adapter_type", "instance"}, nil)
	descAdapterRacesUpdated = prometheus.NewDesc(
		"raceboard_adapter_races_updated_total",
		"Race updates sent by the adapter, from its last health report.",
		[]string{"adapter_type", "instance"}, nil)
)

// collector derives registry gauges from the live instance table on
// every scrape, so transitions never leave stale labeled series
// behind.
type collector struct {
	reg *Registry
}

// Collector returns a prometheus collector over this registry.
// Register it once with the process registry.
func (r *Registry) Collector() prometheus.Collector {
	return &collector{reg: r}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descAdaptersTotal
	ch <- descAdaptersByState
	ch <- descAdapterHealth
	ch <- descAdapterLastReport
	ch <- descAdapterRacesCreated
	ch <- descAdapterRacesUpdated
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	instances := c.reg.List()
	now := time.Now()

	ch <- prometheus.MustNewConstMetric(
		descAdaptersTotal, prometheus.GaugeValue, float64(len(instances)))

	counts := make(map[State]int)
	for _, in := range instances {
		counts[in.State]++
	}
	for state, n := range counts {
		ch <- prometheus.MustNewConstMetric(
			descAdaptersByState, prometheus.GaugeValue, float64(n), string(state))
	}

	for _, in := range instances {
		ch <- prometheus.MustNewConstMetric(
			descAdapterHealth, prometheus.GaugeValue,
			float64(in.State.Severity()),
			in.Type, in.InstanceID, string(in.State))
		if in.LastReportAt != nil {
			ch <- prometheus.MustNewConstMetric(
				descAdapterLastReport, prometheus.GaugeValue,
				now.Sub(*in.LastReportAt).Seconds(),
				in.Type, in.InstanceID, string(in.State))
		}
		ch <- prometheus.MustNewConstMetric(
			descAdapterRacesCreated, prometheus.CounterValue,
			float64(in.LastMetrics.RacesCreated),
			in.Type, in.InstanceID)
		ch <- prometheus.MustNewConstMetric(
			descAdapterRacesUpdated, prometheus.CounterValue,
			float64(in.LastMetrics.RacesUpdated),
			in.Type, in.InstanceID)
	}
}
