package web

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/edgewatt/plugmon/internal/snapshot"
)

// Collector exposes the published snapshot as exposition metrics. It
// never touches the network: a scrape reads whatever cycle the poller
// published last.
type Collector struct {
	store *snapshot.Store

	voltage    *prometheus.Desc
	current    *prometheus.Desc
	power      *prometheus.Desc
	energy     *prometheus.Desc
	readingAge *prometheus.Desc
	lastCycle  *prometheus.Desc
}

var deviceLabels = []string{"device_alias", "device_id"}

func NewCollector(store *snapshot.Store) *Collector {
	return &Collector{
		store: store,
		voltage: prometheus.NewDesc(
			"device_electric_potential_volts",
			"Voltage reading from device",
			deviceLabels, nil,
		),
		current: prometheus.NewDesc(
			"device_electric_current_amperes",
			"Current reading from device",
			deviceLabels, nil,
		),
		power: prometheus.NewDesc(
			"device_electric_power_watts",
			"Power reading from device",
			deviceLabels, nil,
		),
		energy: prometheus.NewDesc(
			"device_electric_energy_joules_total",
			"Total energy consumed",
			deviceLabels, nil,
		),
		readingAge: prometheus.NewDesc(
			"device_reading_age_seconds",
			"Age of the reading served for this device",
			deviceLabels, nil,
		),
		lastCycle: prometheus.NewDesc(
			"plugmon_snapshot_timestamp_seconds",
			"When the served snapshot was published",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.voltage
	ch <- c.current
	ch <- c.power
	ch <- c.energy
	ch <- c.readingAge
	ch <- c.lastCycle
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	entries, _ := c.store.Get()

	for _, entry := range entries {
		labels := []string{entry.Device.Alias, entry.Device.DeviceID}
		reading := entry.Reading

		ch <- prometheus.MustNewConstMetric(
			c.voltage, prometheus.GaugeValue, reading.VoltageVolts, labels...)
		ch <- prometheus.MustNewConstMetric(
			c.current, prometheus.GaugeValue, reading.CurrentAmps, labels...)
		ch <- prometheus.MustNewConstMetric(
			c.power, prometheus.GaugeValue, reading.PowerWatts, labels...)
		// No total from the firmware means no sample; a zero here would
		// read as a counter reset.
		if reading.EnergyJoulesTotal != nil {
			ch <- prometheus.MustNewConstMetric(
				c.energy, prometheus.CounterValue, *reading.EnergyJoulesTotal, labels...)
		}
		ch <- prometheus.MustNewConstMetric(
			c.readingAge, prometheus.GaugeValue,
			time.Since(reading.ObservedAt).Seconds(), labels...)
	}

	if at := c.store.PublishedAt(); !at.IsZero() {
		ch <- prometheus.MustNewConstMetric(
			c.lastCycle, prometheus.GaugeValue, float64(at.Unix()))
	}
}
