// gocu-query lists the visible devices with their properties and memory
// occupancy, the quick health check before running real workloads. It
// runs against the CPU reference driver; a cgo-backed driver plugs into
// the same flow.
package main

import (
	"flag"
	"fmt"

	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/asuszko/gocu-interface/cudriver"
	"github.com/asuszko/gocu-interface/gocu"
)

var (
	flagDevice  = flag.Int("device", -1, "Device id to query; -1 queries every device.")
	flagStreams = flag.Int("streams", 0, "Streams to create per device, to probe stream setup as well.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	drv := cudriver.NewSimDriver(2)
	count := must.M1(drv.DeviceCount())
	fmt.Printf("%d device(s) visible\n", count)

	ids := make([]int, 0, count)
	if *flagDevice >= 0 {
		ids = append(ids, *flagDevice)
	} else {
		for id := 0; id < count; id++ {
			ids = append(ids, id)
		}
	}

	for _, id := range ids {
		dev := must.M1(gocu.NewDevice(drv, id, *flagStreams))
		q := must.M1(dev.Query())
		fmt.Printf("Device %d: %s\n", id, q.Name)
		fmt.Printf("  Multiprocessors: %d\n", q.MultiProcessorCount)
		fmt.Printf("  Memory:          %d / %d bytes free\n", q.FreeBytes, q.TotalBytes)
		fmt.Printf("  Streams:         %d\n", dev.NumStreams())
		must.M(dev.Close())
	}
}
