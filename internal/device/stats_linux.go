//go:build linux

package device

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Loads from sysinfo are fixed-point with 16 fractional bits.
const loadScale = 1 << 16

func readStats(diskPath string) (Stats, error) {
	var st Stats

	var uts unix.Utsname
	if err := unix.Uname(&uts); err == nil {
		st.Sysname = unix.ByteSliceToString(uts.Sysname[:])
		st.Release = unix.ByteSliceToString(uts.Release[:])
		st.Machine = unix.ByteSliceToString(uts.Machine[:])
	}

	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return st, fmt.Errorf("sysinfo: %w", err)
	}
	st.Uptime = time.Duration(si.Uptime) * time.Second
	for i := range st.Load {
		st.Load[i] = float64(si.Loads[i]) / loadScale
	}
	unit := uint64(si.Unit)
	if unit == 0 {
		unit = 1
	}
	total := uint64(si.Totalram) * unit
	avail := (uint64(si.Freeram) + uint64(si.Bufferram)) * unit
	if avail <= total {
		st.MemUsed = percent(total-avail, total)
	}

	var fs unix.Statfs_t
	if err := unix.Statfs(diskPath, &fs); err != nil {
		return st, fmt.Errorf("statfs %s: %w", diskPath, err)
	}
	bsize := uint64(fs.Bsize)
	diskTotal := uint64(fs.Blocks) * bsize
	diskFree := uint64(fs.Bfree) * bsize
	if diskFree <= diskTotal {
		st.DiskUsed = percent(diskTotal-diskFree, diskTotal)
	}
	return st, nil
}
