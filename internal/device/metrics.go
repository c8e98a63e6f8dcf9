package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	kernelsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devmat_kernels_dispatched_total",
		Help: "Total number of kernels enqueued, by kernel name",
	}, []string{"kernel"})

	kernelFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devmat_kernel_failures_total",
		Help: "Total number of kernels that completed with an error, by kernel name",
	}, []string{"kernel"})

	kernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "devmat_kernel_duration_seconds",
		Help:    "Time from kernel submission to completion",
		Buckets: prometheus.ExponentialBuckets(1e-5, 4, 10),
	}, []string{"kernel"})

	transferBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devmat_transfer_bytes_total",
		Help: "Bytes copied between host and device",
	}, []string{"direction"})

	allocatedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "devmat_allocated_bytes",
		Help: "Device memory currently allocated across all contexts",
	})

	liveBuffers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "devmat_buffers_count",
		Help: "Device buffers currently allocated across all contexts",
	})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "devmat_queue_depth",
		Help: "Commands submitted but not yet completed",
	})
)

const (
	directionHostToDevice = "host_to_device"
	directionDeviceToHost = "device_to_host"
)
