package cmsketch

import "github.com/prometheus/client_golang/prometheus"

// StatsSource is anything that can summarize a sketch. *Sketch, *Counter
// and *SyncCounter all qualify; only *SyncCounter is safe to scrape while
// other goroutines update it.
type StatsSource interface {
	Stats() Stats
}

type collector struct {
	src StatsSource

	width      *prometheus.Desc
	depth      *prometheus.Desc
	cells      *prometheus.Desc
	occupied   *prometheus.Desc
	total      *prometheus.Desc
	underflows *prometheus.Desc
}

// NewCollector returns a Prometheus collector exporting the stats of src,
// labelled sketch=name.
func NewCollector(name string, src StatsSource) prometheus.Collector {
	labels := prometheus.Labels{"sketch": name}
	desc := func(metric, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("cmsketch", "", metric), help, nil, labels)
	}
	return &collector{
		src:        src,
		width:      desc("width", "Counters per row."),
		depth:      desc("depth", "Number of rows."),
		cells:      desc("cells", "Allocated counters."),
		occupied:   desc("occupied_cells", "Counters holding a non-zero value."),
		total:      desc("total", "Net amount counted since creation or the last reset."),
		underflows: desc("underflows_total", "Decrements that saturated at zero."),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.width
	ch <- c.depth
	ch <- c.cells
	ch <- c.occupied
	ch <- c.total
	ch <- c.underflows
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	st := c.src.Stats()
	ch <- prometheus.MustNewConstMetric(c.width, prometheus.GaugeValue, float64(st.Width))
	ch <- prometheus.MustNewConstMetric(c.depth, prometheus.GaugeValue, float64(st.Depth))
	ch <- prometheus.MustNewConstMetric(c.cells, prometheus.GaugeValue, float64(st.Cells))
	ch <- prometheus.MustNewConstMetric(c.occupied, prometheus.GaugeValue, float64(st.Occupied))
	ch <- prometheus.MustNewConstMetric(c.total, prometheus.GaugeValue, float64(st.Total))
	ch <- prometheus.MustNewConstMetric(c.underflows, prometheus.CounterValue, float64(st.Underflows))
}
