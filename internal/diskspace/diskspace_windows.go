//go:build windows

package diskspace

import "golang.org/x/sys/windows"

func availableBytes(dir string) (int64, bool) {
	pathPtr, err := windows.UTF16PtrFromString(dir)
	if err != nil {
		return 0, false
	}
	var freeAvailable, total, totalFree uint64
	if err := windows.GetDiskFreeSpaceEx(pathPtr, &freeAvailable, &total, &totalFree); err != nil {
		return 0, false
	}
	return int64(freeAvailable), true
}
