// Package hostmetrics samples host CPU usage, CPU temperature, and an
// undervoltage flag for the status beacon. The sampling strategy is
// grounded directly on original_source/control/control_main_air.c's
// get_cpu_usage (a delta over consecutive /proc/stat reads) and
// get_cpu_temp (a single read of thermal_zone0), translated from C
// file-scope statics to a Sampler struct holding its own previous-sample
// state.
package hostmetrics

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/stat"

	"github.com/aetheris-systems/airbridge/internal/logging"
)

const (
	procStatPath   = "/proc/stat"
	thermalZonePath = "/sys/class/thermal/thermal_zone0/temp"
	undervoltagePath = "/sys/devices/platform/soc/soc:firmware/get_throttled"
	smoothingWindow  = 5
)

type cpuSample struct {
	idle, total uint64
}

// Sampler holds the previous /proc/stat sample and a short rolling window
// of recent CPU-usage percentages, smoothed with gonum/stat.Mean so a
// single noisy tick doesn't jitter the status beacon's cpu_usage_uav
// field. The window is intentionally tiny (5 samples) — the beacon is a
// diagnostic signal, not a control input, so a few hundred milliseconds of
// smoothing lag is harmless.
type Sampler struct {
	prev    cpuSample
	havePrev bool
	window  []float64
	last    Reading
}

// New creates a Sampler ready for repeated Sample calls.
func New() *Sampler {
	return &Sampler{}
}

// Reading is one beacon tick's worth of host-health data.
type Reading struct {
	CPUUsagePercent float64 // 0..100, smoothed
	CPUTempCelsius  float64
	LowVoltage      bool
}

// Sample reads current host metrics. Read failures are logged and the
// affected field is left at its previous value, possibly zero on the
// first failed read.
func (s *Sampler) Sample() Reading {
	r := s.last

	if usage, ok := s.sampleCPU(); ok {
		s.window = append(s.window, usage)
		if len(s.window) > smoothingWindow {
			s.window = s.window[len(s.window)-smoothingWindow:]
		}
		r.CPUUsagePercent = stat.Mean(s.window, nil)
	}

	if temp, ok := sampleTemp(); ok {
		r.CPUTempCelsius = temp
	}

	r.LowVoltage = sampleUndervoltage()

	s.last = r
	return r
}

// sampleCPU computes instantaneous CPU usage as the delta of
// (total-idle)/total between this read and the previous one, matching the
// original's get_cpu_usage.
func (s *Sampler) sampleCPU() (float64, bool) {
	cur, err := readProcStat()
	if err != nil {
		logging.Log.WithField("kind", "host_metric_read").Warnf("reading %s: %v", procStatPath, err)
		return 0, false
	}
	defer func() { s.prev, s.havePrev = cur, true }()

	if !s.havePrev {
		return 0, false
	}

	totalDelta := float64(cur.total - s.prev.total)
	idleDelta := float64(cur.idle - s.prev.idle)
	if totalDelta <= 0 {
		return 0, false
	}
	usage := (totalDelta - idleDelta) / totalDelta * 100
	if usage < 0 {
		usage = 0
	}
	if usage > 100 {
		usage = 100
	}
	return usage, true
}

func readProcStat() (cpuSample, error) {
	f, err := os.Open(procStatPath)
	if err != nil {
		return cpuSample{}, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return cpuSample{}, fmt.Errorf("empty %s", procStatPath)
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) < 5 || fields[0] != "cpu" {
		return cpuSample{}, fmt.Errorf("unexpected %s format", procStatPath)
	}

	var total uint64
	var idle uint64
	for i, f := range fields[1:] {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			continue
		}
		total += v
		if i == 3 { // idle column
			idle = v
		}
	}
	return cpuSample{idle: idle, total: total}, nil
}

func sampleTemp() (float64, bool) {
	raw, err := os.ReadFile(thermalZonePath)
	if err != nil {
		logging.Log.WithField("kind", "host_metric_read").Warnf("reading %s: %v", thermalZonePath, err)
		return 0, false
	}
	millideg, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		logging.Log.WithField("kind", "host_metric_read").Warnf("parsing %s: %v", thermalZonePath, err)
		return 0, false
	}
	return float64(millideg) / 1000.0, true
}

// sampleUndervoltage reads the Raspberry Pi firmware throttling bitmask,
// bit 0 of which indicates an active undervoltage condition. Absence of
// the file (non-Pi hardware) is not an error — it simply means the flag is
// always false.
func sampleUndervoltage() bool {
	raw, err := os.ReadFile(undervoltagePath)
	if err != nil {
		return false
	}
	s := strings.TrimSpace(string(raw))
	s = strings.TrimPrefix(s, "0x")
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return false
	}
	return v&0x1 != 0
}
