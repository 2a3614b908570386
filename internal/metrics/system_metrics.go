package metrics

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// StartSystemMetrics samples host and runtime gauges every interval until ctx
// is done. A non-positive interval disables sampling.
func StartSystemMetrics(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		log.Info().Msg("System metrics sampling disabled")
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sampleHost()
				sampleRuntime()
			}
		}
	}()
}

func sampleHost() {
	if perCore, err := cpu.Percent(0, true); err == nil {
		for i, percentage := range perCore {
			SystemCPUUsage.WithLabelValues(fmt.Sprintf("cpu%d", i)).Set(percentage)
		}
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		SystemMemoryUsage.WithLabelValues("total").Set(float64(vm.Total))
		SystemMemoryUsage.WithLabelValues("available").Set(float64(vm.Available))
		SystemMemoryUsage.WithLabelValues("used").Set(float64(vm.Used))
		SystemMemoryUsage.WithLabelValues("free").Set(float64(vm.Free))
	}
}

func sampleRuntime() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	AgentGoroutines.Set(float64(runtime.NumGoroutine()))
	AgentHeapBytes.WithLabelValues("alloc").Set(float64(m.HeapAlloc))
	AgentHeapBytes.WithLabelValues("sys").Set(float64(m.HeapSys))
	if m.NumGC > 0 {
		AgentGCPause.Observe(time.Duration(m.PauseNs[(m.NumGC+255)%256]).Seconds())
	}
}
