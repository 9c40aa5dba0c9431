package node

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/cuemby/dispycosnode/pkg/types"
)

// availInfo gathers the host telemetry attached to pulses and
// dispycos_node_info replies. No ecosystem library in reach here is
// purpose-built for this; /proc parsing and syscall.Statfs match the
// direct filesystem-polling style used elsewhere for host facts rather
// than pulling in a library call.
func (n *Node) availInfo() types.AvailInfo {
	info := types.AvailInfo{}

	if mem, err := readMeminfo("/proc/meminfo"); err == nil {
		info.MemoryFreeMB = mem.freeMB()
		info.SwapPercent = mem.swapPercent()
	}
	if free, total, err := diskFree(n.cfg.NodeConfig.DestPath); err == nil && total > 0 {
		info.DiskFreeMB = float64(free) / (1024 * 1024)
	}
	info.CPUPercent = cpuLoadPercent()

	return info
}

func availInfoToMap(info types.AvailInfo) map[string]interface{} {
	return map[string]interface{}{
		"cpu_percent":    info.CPUPercent,
		"memory_free_mb": info.MemoryFreeMB,
		"disk_free_mb":   info.DiskFreeMB,
		"swap_percent":   info.SwapPercent,
	}
}

type memStats struct {
	totalKB     uint64
	freeKB      uint64
	swapTotalKB uint64
	swapFreeKB  uint64
}

func (m memStats) freeMB() float64 {
	return float64(m.freeKB) / 1024
}

func (m memStats) swapPercent() float64 {
	if m.swapTotalKB == 0 {
		return 0
	}
	used := m.swapTotalKB - m.swapFreeKB
	return float64(used) / float64(m.swapTotalKB) * 100
}

func readMeminfo(path string) (memStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return memStats{}, err
	}
	defer f.Close()

	var m memStats
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		key := strings.TrimSuffix(fields[0], ":")
		val, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch key {
		case "MemTotal":
			m.totalKB = val
		case "MemAvailable":
			m.freeKB = val
		case "SwapTotal":
			m.swapTotalKB = val
		case "SwapFree":
			m.swapFreeKB = val
		}
	}
	return m, scanner.Err()
}

func diskFree(path string) (free, total uint64, err error) {
	if path == "" {
		path = "."
	}
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, 0, err
	}
	return stat.Bavail * uint64(stat.Bsize), stat.Blocks * uint64(stat.Bsize), nil
}

// cpuLoadPercent approximates instantaneous CPU pressure from the
// 1-minute load average relative to the number of logical CPUs,
// since a true point-in-time CPU% sample would need two readings of
// /proc/stat taken apart in time.
func cpuLoadPercent() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0
	}
	load1, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	cpus := float64(runtime.NumCPU())
	if cpus == 0 {
		return 0
	}
	pct := load1 / cpus * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}
