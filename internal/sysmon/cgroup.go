// Package sysmon reports container-aware CPU usage for chardevd's
// metrics loop. It never gates core semantics; this is purely
// observability.
package sysmon

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ThrottleStats reports CPU throttling statistics read from the cgroup.
type ThrottleStats struct {
	NrPeriods    uint64
	NrThrottled  uint64
	ThrottledSec float64
}

// containerCPU reads cgroup v1/v2 CPU accounting files directly, giving a
// percentage relative to the container's own quota rather than the host's
// total core count.
type containerCPU struct {
	mu             sync.Mutex
	lastCPUUsec    uint64
	lastSampleTime time.Time
	cgroupVersion  int
	cgroupPath     string
	cpuQuota       int64
	cpuPeriod      int64
	allocatedCPUs  float64
	lastThrottle   ThrottleStats
}

func newContainerCPU() (*containerCPU, error) {
	path, version, err := detectCgroupPath()
	if err != nil {
		return nil, fmt.Errorf("detect cgroup: %w", err)
	}
	quota, period, err := readCPUQuota(path, version)
	if err != nil {
		return nil, fmt.Errorf("read cpu quota: %w", err)
	}
	allocated := float64(quota) / float64(period)
	if quota <= 0 || period <= 0 {
		allocated = 0
	}
	usage, err := readCPUUsage(path, version)
	if err != nil {
		return nil, fmt.Errorf("read cpu usage: %w", err)
	}
	cc := &containerCPU{
		lastSampleTime: time.Now(),
		cgroupVersion:  version,
		cgroupPath:     path,
		cpuQuota:       quota,
		cpuPeriod:      period,
		allocatedCPUs:  allocated,
		lastCPUUsec:    usage,
	}
	if throttle, err := readThrottleStats(path, version); err == nil {
		cc.lastThrottle = throttle
	}
	return cc, nil
}

// percent returns CPU usage as a percentage of the container's quota.
func (cc *containerCPU) percent() (float64, ThrottleStats, error) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	now := time.Now()
	elapsedUsec := now.Sub(cc.lastSampleTime).Microseconds()
	if elapsedUsec == 0 {
		return 0, ThrottleStats{}, fmt.Errorf("sample interval too small")
	}

	usage, err := readCPUUsage(cc.cgroupPath, cc.cgroupVersion)
	if err != nil {
		return 0, ThrottleStats{}, err
	}
	delta := usage - cc.lastCPUUsec
	raw := (float64(delta) / float64(elapsedUsec)) * 100.0

	var percent float64
	if cc.allocatedCPUs > 0 {
		percent = raw / cc.allocatedCPUs
	} else {
		percent = raw
	}

	var throttled ThrottleStats
	if current, err := readThrottleStats(cc.cgroupPath, cc.cgroupVersion); err == nil {
		throttled = ThrottleStats{
			NrPeriods:    current.NrPeriods - cc.lastThrottle.NrPeriods,
			NrThrottled:  current.NrThrottled - cc.lastThrottle.NrThrottled,
			ThrottledSec: current.ThrottledSec - cc.lastThrottle.ThrottledSec,
		}
		cc.lastThrottle = current
	}

	cc.lastCPUUsec = usage
	cc.lastSampleTime = now
	return percent, throttled, nil
}

func detectCgroupPath() (path string, version int, err error) {
	f, err := os.Open("/proc/self/cgroup")
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		parts := strings.Split(scanner.Text(), ":")
		if len(parts) != 3 {
			continue
		}
		if parts[0] == "0" && parts[1] == "" {
			return "/sys/fs/cgroup" + parts[2], 2, nil
		}
		if strings.Contains(parts[1], "cpu") {
			return "/sys/fs/cgroup/cpu" + parts[2], 1, nil
		}
	}
	return "", 0, fmt.Errorf("could not detect cgroup path")
}

func readCPUQuota(path string, version int) (quota, period int64, err error) {
	if version == 2 {
		data, err := os.ReadFile(path + "/cpu.max")
		if err != nil {
			return 0, 0, err
		}
		fields := strings.Fields(string(data))
		if len(fields) != 2 {
			return 0, 0, fmt.Errorf("unexpected cpu.max format: %q", data)
		}
		if fields[0] == "max" {
			return -1, 0, nil
		}
		quota, err = strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return 0, 0, err
		}
		period, err = strconv.ParseInt(fields[1], 10, 64)
		return quota, period, err
	}

	quotaData, err := os.ReadFile(path + "/cpu.cfs_quota_us")
	if err != nil {
		return 0, 0, err
	}
	periodData, err := os.ReadFile(path + "/cpu.cfs_period_us")
	if err != nil {
		return 0, 0, err
	}
	quota, err = strconv.ParseInt(strings.TrimSpace(string(quotaData)), 10, 64)
	if err != nil {
		return 0, 0, err
	}
	period, err = strconv.ParseInt(strings.TrimSpace(string(periodData)), 10, 64)
	return quota, period, err
}

func readCPUUsage(path string, version int) (uint64, error) {
	if version == 2 {
		f, err := os.Open(path + "/cpu.stat")
		if err != nil {
			return 0, err
		}
		defer f.Close()
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "usage_usec ") {
				fields := strings.Fields(line)
				if len(fields) == 2 {
					return strconv.ParseUint(fields[1], 10, 64)
				}
			}
		}
		return 0, fmt.Errorf("usage_usec not found in cpu.stat")
	}

	data, err := os.ReadFile(path + "/cpuacct.usage")
	if err != nil {
		return 0, err
	}
	nsec, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	return nsec / 1000, err
}

func readThrottleStats(path string, version int) (ThrottleStats, error) {
	var stats ThrottleStats
	f, err := os.Open(path + "/cpu.stat")
	if err != nil {
		return stats, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		value, _ := strconv.ParseUint(fields[1], 10, 64)
		switch fields[0] {
		case "nr_periods":
			stats.NrPeriods = value
		case "nr_throttled":
			stats.NrThrottled = value
		case "throttled_usec":
			stats.ThrottledSec = float64(value) / 1e6
		case "throttled_time":
			stats.ThrottledSec = float64(value) / 1e9
		}
	}
	return stats, nil
}
