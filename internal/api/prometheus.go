package api

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const metricsNamespace = "ecatd"

// segmentCollector reads the segment and driver counters on every scrape.
type segmentCollector struct {
	s *Server

	operational    *prometheus.Desc
	fresh          *prometheus.Desc
	ack            *prometheus.Desc
	expected       *prometheus.Desc
	cycles         *prometheus.Desc
	exchangeErrors *prometheus.Desc
	lastCycle      *prometheus.Desc
	passes         *prometheus.Desc
	timeouts       *prometheus.Desc
	acks           *prometheus.Desc
	opRequests     *prometheus.Desc
	reconfigs      *prometheus.Desc
	recoveries     *prometheus.Desc
	lost           *prometheus.Desc
	deviceState    *prometheus.Desc
	deviceLost     *prometheus.Desc
	inspectClients *prometheus.Desc
	wsClients      *prometheus.Desc
	wsDropped      *prometheus.Desc
}

func newSegmentCollector(s *Server) *segmentCollector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", name), help, labels, nil)
	}
	return &segmentCollector{
		s:              s,
		operational:    desc("operational", "Whether bring-up brought every device to OP (1) or not (0)."),
		fresh:          desc("fresh", "Whether the last supervision pass found every device in OP."),
		ack:            desc("working_counter", "Working counter of the last process data exchange."),
		expected:       desc("working_counter_expected", "Expected working counter of a full exchange."),
		cycles:         desc("cycles_total", "Process data exchanges performed."),
		exchangeErrors: desc("exchange_errors_total", "Process data exchanges that returned an error."),
		lastCycle:      desc("last_cycle_seconds", "Duration of the last exchange cycle."),
		passes:         desc("supervision_passes_total", "Supervision passes run."),
		timeouts:       desc("supervision_timeouts_total", "Supervision passes that timed out on a device."),
		acks:           desc("supervision_acks_total", "Error acknowledgements written to devices."),
		opRequests:     desc("supervision_op_requests_total", "OP requests written to devices."),
		reconfigs:      desc("supervision_reconfigs_total", "Device reconfigurations attempted."),
		recoveries:     desc("supervision_recoveries_total", "Lost devices recovered."),
		lost:           desc("supervision_lost_total", "Devices declared lost."),
		deviceState:    desc("device_state", "AL state code of a device.", "device", "name"),
		deviceLost:     desc("device_lost", "Whether a device is currently lost.", "device", "name"),
		inspectClients: desc("inspect_clients", "Connected inspection clients."),
		wsClients:      desc("websocket_clients", "Connected WebSocket clients."),
		wsDropped:      desc("websocket_dropped_total", "Messages discarded because a WebSocket client fell behind."),
	}
}

// Describe implements prometheus.Collector.
func (c *segmentCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.operational, c.fresh, c.ack, c.expected,
		c.cycles, c.exchangeErrors, c.lastCycle,
		c.passes, c.timeouts, c.acks, c.opRequests, c.reconfigs, c.recoveries, c.lost,
		c.deviceState, c.deviceLost, c.inspectClients, c.wsClients, c.wsDropped,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *segmentCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.s.segment.Snapshot()

	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}

	gauge(c.operational, boolValue(st.Operational))
	gauge(c.fresh, boolValue(st.Fresh))
	gauge(c.ack, float64(st.Ack))
	gauge(c.expected, float64(st.Expected))

	if c.s.stats != nil {
		cs := c.s.stats.CycleStats()
		counter(c.cycles, cs.Cycles)
		counter(c.exchangeErrors, cs.ExchangeErrors)
		gauge(c.lastCycle, cs.LastCycle.Seconds())

		ss := c.s.stats.SupervisionStats()
		counter(c.passes, ss.Passes)
		counter(c.timeouts, ss.Timeouts)
		counter(c.acks, ss.Acks)
		counter(c.opRequests, ss.OPRequests)
		counter(c.reconfigs, ss.Reconfigs)
		counter(c.recoveries, ss.Recoveries)
		counter(c.lost, ss.Lost)
	}

	for _, d := range st.Devices {
		id := strconv.Itoa(d.ID)
		gauge(c.deviceState, float64(d.StateCode), id, d.Name)
		gauge(c.deviceLost, boolValue(d.Lost), id, d.Name)
	}

	if c.s.inspect != nil {
		gauge(c.inspectClients, float64(c.s.inspect.Clients()))
	}
	gauge(c.wsClients, float64(c.s.hub.ClientCount()))
	counter(c.wsDropped, c.s.hub.Dropped())
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// newRegistry builds the registry served on /metrics.
func newRegistry(s *Server) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		newSegmentCollector(s),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
