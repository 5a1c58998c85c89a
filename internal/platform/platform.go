// Package platform detects host quirks that change how files can be
// watched.
package platform

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

// Platform is the detected host.
type Platform string

const (
	MacOS   Platform = "macos"
	Linux   Platform = "linux"
	WSL1    Platform = "wsl1"
	WSL2    Platform = "wsl2"
	Windows Platform = "windows"
	Unknown Platform = "unknown"
)

var (
	detectOnce sync.Once
	detected   Platform
)

// Detect returns the host platform. The result is cached.
func Detect() Platform {
	detectOnce.Do(func() {
		detected = detect(runtime.GOOS, os.Getenv("WSL_DISTRO_NAME"), readFile("/proc/version"), exists("/run/WSL"))
	})
	return detected
}

func detect(goos, wslDistro, procVersion string, runWSL bool) Platform {
	switch goos {
	case "darwin":
		return MacOS
	case "windows":
		return Windows
	case "linux":
	default:
		return Unknown
	}
	isWSL := wslDistro != "" || strings.Contains(strings.ToLower(procVersion), "microsoft")
	if !isWSL {
		return Linux
	}
	// WSL2 kernels report "microsoft-standard"; WSL1 reports "Microsoft".
	if strings.Contains(procVersion, "microsoft-standard") || runWSL {
		return WSL2
	}
	return WSL1
}

// slowNotifyFS are filesystems where inotify misses changes made from the
// other side of the mount.
var slowNotifyFS = map[string]bool{
	"9p": true, "nfs": true, "nfs4": true, "cifs": true, "smb3": true,
	"fuse.sshfs": true, "drvfs": true, "virtiofs": true,
}

// WatchUnreliable reports whether fsnotify events for path may be lost,
// and the filesystem type that makes it so.
func WatchUnreliable(path string) (fsType string, unreliable bool) {
	if Detect() == WSL1 {
		return "wsl1", true
	}
	if runtime.GOOS != "linux" {
		return "", false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}
	fsType = mountFSType(abs, readFile("/proc/mounts"))
	return fsType, slowNotifyFS[fsType]
}

// mountFSType returns the type of the longest mount point containing path.
func mountFSType(path, mounts string) string {
	var best, fsType string
	for _, line := range strings.Split(mounts, "\n") {
		f := strings.Fields(line)
		if len(f) < 3 {
			continue
		}
		mp := f[1]
		if !within(path, mp) || len(mp) <= len(best) && best != "" {
			continue
		}
		best, fsType = mp, f[2]
	}
	return fsType
}

func within(path, mount string) bool {
	if mount == "/" {
		return strings.HasPrefix(path, "/")
	}
	return path == mount || strings.HasPrefix(path, mount+"/")
}

func readFile(p string) string {
	b, err := os.ReadFile(p)
	if err != nil {
		return ""
	}
	return string(b)
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
