package observability

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"atomintents/services/settlementd/bond"
)

// BondSource exposes per-solver collateral to the collector.
type BondSource interface {
	Solvers() []string
	Snapshot(solver string) (bond.Snapshot, error)
}

// BondCollector reads solver bond balances at scrape time.
type BondCollector struct {
	source BondSource
	total  *prometheus.Desc
	locked *prometheus.Desc
	locks  *prometheus.Desc
}

// NewBondCollector registers a collector over source.
func NewBondCollector(reg prometheus.Registerer, source BondSource) (*BondCollector, error) {
	if reg == nil || source == nil {
		return nil, fmt.Errorf("bond collector requires registerer and source")
	}
	c := &BondCollector{
		source: source,
		total: prometheus.NewDesc("atomintents_bond_total_value",
			"Haircut-adjusted bond value per solver in the bond denom.", []string{"solver"}, nil),
		locked: prometheus.NewDesc("atomintents_bond_locked_value",
			"Bond value locked against open settlements per solver.", []string{"solver"}, nil),
		locks: prometheus.NewDesc("atomintents_bond_active_locks",
			"Open settlement locks per solver.", []string{"solver"}, nil),
	}
	if err := reg.Register(c); err != nil {
		return nil, fmt.Errorf("register bond collector: %w", err)
	}
	return c, nil
}

// Describe implements prometheus.Collector.
func (c *BondCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.total
	ch <- c.locked
	ch <- c.locks
}

// Collect implements prometheus.Collector.
func (c *BondCollector) Collect(ch chan<- prometheus.Metric) {
	for _, solver := range c.source.Solvers() {
		snap, err := c.source.Snapshot(solver)
		if err != nil {
			continue
		}
		total, _ := snap.TotalValue.Float64()
		locked, _ := snap.LockedValue.Float64()
		ch <- prometheus.MustNewConstMetric(c.total, prometheus.GaugeValue, total, solver)
		ch <- prometheus.MustNewConstMetric(c.locked, prometheus.GaugeValue, locked, solver)
		ch <- prometheus.MustNewConstMetric(c.locks, prometheus.GaugeValue, float64(snap.ActiveLocks), solver)
	}
}
