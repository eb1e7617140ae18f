// Package devicediscovery stands in for the device driver a real
// heterogeneous-memory pub/sub middleware would query to learn what
// accelerator domains exist on the host. Since this module runs without
// real accelerator hardware, it derives a plausible device-domain list
// from gopsutil's view of host CPU/memory topology: one simulated
// GPU-like domain per host, sized against free memory and rounded to a
// page-granularity boundary, exactly the kind of GE(requested) value
// allocator_create_device in pkg/alloc rounds a requested item size up
// to, plus a shm-backed domain standing in for host RAM.
package devicediscovery

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// Domain describes one discovered memory domain: a simulated device or
// the shm-backed stand-in for host RAM.
type Domain struct {
	Name        string
	DeviceType  uint32
	DeviceNumber uint32
	// Granularity is the byte alignment every allocation in this domain
	// must be rounded up to, standing in for a real accelerator's DMA or
	// page-table granularity.
	Granularity int
	// FreeBytes is advisory capacity information surfaced for operator
	// tooling; it is never enforced by the allocator itself.
	FreeBytes uint64
}

// Discover returns the device domains visible on this host. It never
// fails outright: a gopsutil probe error just means that domain is
// omitted, since device discovery is advisory, not required for the CPU
// path to function.
func Discover() []Domain {
	var domains []Domain

	if n, err := cpu.Counts(true); err == nil && n > 0 {
		granularity := 4096 // page size stand-in
		free := uint64(0)
		if vm, err := mem.VirtualMemory(); err == nil {
			free = vm.Free
		}
		domains = append(domains, Domain{
			Name:        fmt.Sprintf("simulated-gpu-%d", 0),
			DeviceType:  1,
			DeviceNumber: 0,
			Granularity: granularity,
			FreeBytes:   free / 2, // leave the rest for the CPU domain
		})
	}

	if usage, err := diskUsage("/dev/shm"); err == nil {
		domains = append(domains, Domain{
			Name:        "shm-backed",
			DeviceType:  0,
			DeviceNumber: 0,
			Granularity: 64, // cache-line alignment stand-in for host RAM
			FreeBytes:   usage,
		})
	}

	return domains
}

func diskUsage(path string) (uint64, error) {
	st, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return st.Free, nil
}

// RoundUp rounds requested up to the next multiple of granularity,
// matching the GE(requested) test property the allocator tests assert on
// device allocations.
func RoundUp(requested, granularity int) int {
	if granularity <= 0 {
		return requested
	}
	if requested%granularity == 0 {
		return requested
	}
	return (requested/granularity + 1) * granularity
}
