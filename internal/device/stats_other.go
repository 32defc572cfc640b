//go:build !linux

package device

import (
	"errors"
	"runtime"
)

func readStats(string) (Stats, error) {
	return Stats{Sysname: runtime.GOOS, Machine: runtime.GOARCH}, errors.New("system stats are only read on linux")
}
