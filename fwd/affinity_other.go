//go:build !linux

package fwd

import (
	"errors"
	"runtime"
)

func pinToCPU(int) error { return errors.New("CPU pinning is only supported on linux") }

// AvailableCPUs returns 0..GOMAXPROCS-1.
func AvailableCPUs() ([]int, error) {
	cpus := make([]int, runtime.GOMAXPROCS(0))
	for i := range cpus {
		cpus[i] = i
	}
	return cpus, nil
}
