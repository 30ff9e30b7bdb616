package sim

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector bundles the Prometheus metrics a simulation reports. A nil
// *Collector is valid and records nothing.
type Collector struct {
	Steps         prometheus.Counter
	TasksSpawned  prometheus.Counter
	TasksFinished *prometheus.CounterVec
	NetMessages   *prometheus.CounterVec
	FSBytes       prometheus.Counter
	Faults        *prometheus.CounterVec
	VirtualTime   prometheus.Gauge
}

// NewCollector registers the simulation metrics against reg, defaulting to
// the global Prometheus registry when nil. Registering twice against the
// same registry reuses the existing collectors.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	steps, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "detsim_scheduler_steps_total",
		Help: "Task turns executed by the deterministic scheduler.",
	}), "detsim_scheduler_steps_total")
	if err != nil {
		return nil, err
	}
	spawned, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "detsim_tasks_spawned_total",
		Help: "Tasks spawned across all nodes.",
	}), "detsim_tasks_spawned_total")
	if err != nil {
		return nil, err
	}
	finished, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "detsim_tasks_finished_total",
		Help: "Tasks that reached a terminal state, labeled by status.",
	}, []string{"status"}), "detsim_tasks_finished_total")
	if err != nil {
		return nil, err
	}
	messages, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "detsim_net_messages_total",
		Help: "Messages handled by the virtual network, labeled by outcome (delivered, discarded, lost, partitioned).",
	}, []string{"outcome"}), "detsim_net_messages_total")
	if err != nil {
		return nil, err
	}
	fsBytes, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "detsim_fs_bytes_written_total",
		Help: "Bytes written through the virtual filesystem.",
	}), "detsim_fs_bytes_written_total")
	if err != nil {
		return nil, err
	}
	faults, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "detsim_faults_total",
		Help: "Injected faults, labeled by kind.",
	}, []string{"kind"}), "detsim_faults_total")
	if err != nil {
		return nil, err
	}
	vtime, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "detsim_virtual_time_seconds",
		Help: "Current virtual clock reading in seconds since simulation start.",
	}), "detsim_virtual_time_seconds")
	if err != nil {
		return nil, err
	}

	return &Collector{
		Steps:         steps,
		TasksSpawned:  spawned,
		TasksFinished: finished,
		NetMessages:   messages,
		FSBytes:       fsBytes,
		Faults:        faults,
		VirtualTime:   vtime,
	}, nil
}

func (c *Collector) IncSteps() {
	if c == nil {
		return
	}
	c.Steps.Inc()
}

func (c *Collector) IncSpawned() {
	if c == nil {
		return
	}
	c.TasksSpawned.Inc()
}

func (c *Collector) IncFinished(status string) {
	if c == nil {
		return
	}
	c.TasksFinished.WithLabelValues(status).Inc()
}

func (c *Collector) IncMessages(outcome string) {
	if c == nil {
		return
	}
	c.NetMessages.WithLabelValues(outcome).Inc()
}

func (c *Collector) AddFSBytes(n int) {
	if c == nil {
		return
	}
	c.FSBytes.Add(float64(n))
}

func (c *Collector) IncFault(kind string) {
	if c == nil {
		return
	}
	c.Faults.WithLabelValues(kind).Inc()
}

// SetVirtualTime publishes the clock reading.
func (c *Collector) SetVirtualTime(ts Timestamp) {
	if c == nil {
		return
	}
	c.VirtualTime.Set(ts.Duration().Seconds())
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T, name string) (T, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
			var zero T
			return zero, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		var zero T
		return zero, err
	}
	return c, nil
}
