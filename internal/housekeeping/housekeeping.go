// Package housekeeping periodically samples free disk space under the data
// directory and warns via klog when it runs low, as a small sampler loop
// rather than a prometheus collector (no dashboard is in scope here, only
// the operational warning).
package housekeeping

import (
	"context"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/disk"
	"k8s.io/klog/v2"
)

// LowDiskThresholdPercent is the used-space ceiling, as a percentage of
// capacity, at or above which Run logs a warning.
const LowDiskThresholdPercent = 90.0 // warn once usage crosses this percent used

// Run samples disk usage under dataDir every interval until ctx is done.
func Run(ctx context.Context, dataDir string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sampleOnce(dataDir)
		}
	}
}

func sampleOnce(dataDir string) {
	abs, err := filepath.Abs(dataDir)
	if err != nil {
		klog.Warningf("housekeeping: resolve data dir %s: %v", dataDir, err)
		return
	}
	usage, err := disk.Usage(abs)
	if err != nil {
		klog.Warningf("housekeeping: sample disk usage for %s: %v", abs, err)
		return
	}
	if usage.UsedPercent >= LowDiskThresholdPercent {
		klog.Warningf("housekeeping: data directory %s is %.1f%% full (%s free of %s)",
			abs, usage.UsedPercent, humanize.Bytes(usage.Free), humanize.Bytes(usage.Total))
	}
}
