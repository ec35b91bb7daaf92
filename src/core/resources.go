package core

import (
	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// linkJobMemory is roughly what a single LLVM link job needs with shared libraries enabled.
const linkJobMemory = 4 * humanize.GiByte

// ParallelLinkJobs estimates how many link jobs the native build can run at once without
// exhausting memory on this machine.
func ParallelLinkJobs() int {
	cpus, err := cpu.Counts(true)
	if err != nil {
		log.Warning("Failed to count CPUs: %s", err)
		cpus = 1
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		log.Warning("Failed to read memory size: %s", err)
		return 1
	}
	jobs := linkJobs(vm.Total, cpus)
	log.Debug("%s of memory and %d CPUs, allowing %d parallel link jobs", humanize.IBytes(vm.Total), cpus, jobs)
	return jobs
}

// linkJobs allows one link job per linkJobMemory, capped at the CPU count and never below one.
func linkJobs(totalMemory uint64, cpus int) int {
	jobs := int(totalMemory / linkJobMemory)
	if jobs > cpus {
		jobs = cpus
	}
	if jobs < 1 {
		jobs = 1
	}
	return jobs
}
