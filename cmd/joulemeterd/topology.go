// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// cpuToSocketMap scans sysfsPath/devices/system/cpu/cpu*/topology/physical_package_id
// to build the logical-CPU-to-socket mapping internal/topology.Build requires.
// There is no library for this in the corpus; it is the same kind of direct
// sysfs read the counter package itself uses for powercap zone discovery.
func cpuToSocketMap(sysfsPath string) (map[int]int, error) {
	cpuDir := filepath.Join(sysfsPath, "devices", "system", "cpu")
	entries, err := os.ReadDir(cpuDir)
	if err != nil {
		return nil, fmt.Errorf("topology: reading %s: %w", cpuDir, err)
	}

	mapping := make(map[int]int)
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "cpu") {
			continue
		}
		idStr := strings.TrimPrefix(name, "cpu")
		cpuID, err := strconv.Atoi(idStr)
		if err != nil {
			continue // e.g. cpuidle, cpufreq
		}

		raw, err := os.ReadFile(filepath.Join(cpuDir, name, "topology", "physical_package_id"))
		if err != nil {
			continue // offline CPU or missing topology info; skip
		}
		socketID, err := strconv.Atoi(strings.TrimSpace(string(raw)))
		if err != nil {
			continue
		}
		mapping[cpuID] = socketID
	}

	if len(mapping) == 0 {
		return nil, fmt.Errorf("topology: no CPUs with a physical_package_id found under %s", cpuDir)
	}
	return mapping, nil
}

// representativeCPUsPerSocket returns one logical CPU id per distinct
// socket, the set internal/counter.Register needs to open one MSR device
// per socket instead of one per logical CPU.
func representativeCPUsPerSocket(cpuToSocket map[int]int) []int {
	seen := make(map[int]bool)
	var cpus []int
	// iterate in CPU-id order so the choice of representative is stable
	ids := make([]int, 0, len(cpuToSocket))
	for cpu := range cpuToSocket {
		ids = append(ids, cpu)
	}
	sort.Ints(ids)

	for _, cpu := range ids {
		socket := cpuToSocket[cpu]
		if seen[socket] {
			continue
		}
		seen[socket] = true
		cpus = append(cpus, cpu)
	}
	return cpus
}
