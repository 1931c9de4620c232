package keyvalstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/disk"
)

func (sc *StoreConfig) check() error {
	if sc.Path == "" {
		return errors.New("no path provided in configuration")
	}

	if sc.MinimumFreeGB <= 0 {
		return nil
	}

	// The store dir may not exist yet; check the nearest existing parent.
	probe := sc.Path
	for {
		if _, err := os.Stat(probe); err == nil {
			break
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			return fmt.Errorf("no existing parent for path %s", sc.Path)
		}
		probe = parent
	}

	usage, err := disk.Usage(probe)
	if err != nil {
		return fmt.Errorf("disk usage for %s: %w", probe, err)
	}

	freeGB := usage.Free / (1024 * 1024 * 1024)
	if freeGB < uint64(sc.MinimumFreeGB) {
		return fmt.Errorf("not enough space on disk: %dGB free, %dGB required", freeGB, sc.MinimumFreeGB)
	}

	return nil
}
