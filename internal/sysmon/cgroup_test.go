package sysmon

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestReadCPUQuota_V2(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "cpu.max", "200000 100000\n")

	quota, period, err := readCPUQuota(dir, 2)
	if err != nil {
		t.Fatalf("readCPUQuota: %v", err)
	}
	if quota != 200000 || period != 100000 {
		t.Fatalf("got quota=%d period=%d, want 200000/100000", quota, period)
	}
}

func TestReadCPUQuota_V2Unlimited(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "cpu.max", "max 100000\n")

	quota, _, err := readCPUQuota(dir, 2)
	if err != nil {
		t.Fatalf("readCPUQuota: %v", err)
	}
	if quota != -1 {
		t.Fatalf("got quota=%d, want -1 for unlimited", quota)
	}
}

func TestReadCPUQuota_V1(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "cpu.cfs_quota_us", "150000\n")
	writeFile(t, dir, "cpu.cfs_period_us", "100000\n")

	quota, period, err := readCPUQuota(dir, 1)
	if err != nil {
		t.Fatalf("readCPUQuota: %v", err)
	}
	if quota != 150000 || period != 100000 {
		t.Fatalf("got quota=%d period=%d, want 150000/100000", quota, period)
	}
}

func TestReadCPUUsage_V2(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "cpu.stat", "usage_usec 42000\nuser_usec 30000\nsystem_usec 12000\n")

	usage, err := readCPUUsage(dir, 2)
	if err != nil {
		t.Fatalf("readCPUUsage: %v", err)
	}
	if usage != 42000 {
		t.Fatalf("got usage=%d, want 42000", usage)
	}
}

func TestReadCPUUsage_V1(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "cpuacct.usage", "42000000\n") // nanoseconds

	usage, err := readCPUUsage(dir, 1)
	if err != nil {
		t.Fatalf("readCPUUsage: %v", err)
	}
	if usage != 42000 { // converted to microseconds
		t.Fatalf("got usage=%d, want 42000", usage)
	}
}

func TestReadThrottleStats_V2(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "cpu.stat", "usage_usec 1\nnr_periods 10\nnr_throttled 3\nthrottled_usec 500000\n")

	stats, err := readThrottleStats(dir, 2)
	if err != nil {
		t.Fatalf("readThrottleStats: %v", err)
	}
	if stats.NrPeriods != 10 || stats.NrThrottled != 3 {
		t.Fatalf("got %+v, want NrPeriods=10 NrThrottled=3", stats)
	}
	if stats.ThrottledSec != 0.5 {
		t.Fatalf("got ThrottledSec=%v, want 0.5", stats.ThrottledSec)
	}
}

func TestDetectCgroupPath_NoPanic(t *testing.T) {
	// /proc/self/cgroup should exist on any Linux CI host; this just
	// guards against a panic on an unexpected format, not exact values.
	if _, err := os.Stat("/proc/self/cgroup"); err != nil {
		t.Skip("no /proc/self/cgroup on this platform")
	}
	if _, _, err := detectCgroupPath(); err != nil {
		t.Logf("detectCgroupPath returned %v (acceptable outside a container)", err)
	}
}
