package engine

import "os"

// statSize is filecache.Cache's statFn fallback: a plain os.Stat used
// by Engine.StatSize and any other direct, synchronous size lookup
// outside of a submitted Operation. A chain's own ring-based statx
// phase never reaches this — driver.go seeds the cache directly from
// a completed STATX instead.
func statSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}
