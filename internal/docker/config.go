package docker

import (
	"log/slog"
	"maps"
	"path/filepath"
	"slices"
	"strings"
)

const (
	// ContainerPrefix starts the name of every managed container.
	ContainerPrefix = "agent-fleet-"

	// ManagedLabel marks containers created by this tool.
	ManagedLabel = "managed-by=agent-fleet"

	containerWorkDir = "/workspace"

	// DefaultImage is the locally built sandbox image
	// (docker build -t agent-fleet-sandbox sandbox/).
	DefaultImage = "agent-fleet-sandbox:latest"
)

// Mount blocklists guard against misconfigured extra volumes, not against
// the agent itself, which has a full shell inside the container.
var (
	blockedContainerPaths    = []string{"/", "/root", "/root/.ssh"}
	blockedContainerPrefixes = []string{"/bin", "/etc", "/lib", "/lib64", "/proc", "/sbin", "/sys", "/usr"}
	blockedHostPaths         = []string{"/var/run/docker.sock", "/run/docker.sock"}
	blockedHostPrefixes      = []string{"/etc", "/private/etc", "/proc", "/sys"}
	blockedHostBases         = []string{".gnupg", ".aws", ".azure", ".ssh"}
)

// VolumeMount is one bind mount.
type VolumeMount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

func (v VolumeMount) flag() string {
	m := v.HostPath + ":" + v.ContainerPath
	if v.ReadOnly {
		m += ":ro"
	}
	return m
}

// ContainerConfig holds creation settings. Build it with NewContainerConfig.
type ContainerConfig struct {
	workingDir  string
	volumes     []VolumeMount
	environment map[string]string
	cpuLimit    string
	memoryLimit string
}

// ContainerConfigOption customizes a ContainerConfig.
type ContainerConfigOption func(*ContainerConfig)

// NewContainerConfig mounts projectPath at /workspace and applies opts.
func NewContainerConfig(projectPath string, opts ...ContainerConfigOption) *ContainerConfig {
	cfg := &ContainerConfig{
		workingDir:  containerWorkDir,
		environment: make(map[string]string),
	}
	if projectPath != "" {
		cfg.volumes = append(cfg.volumes, VolumeMount{HostPath: projectPath, ContainerPath: containerWorkDir})
	} else {
		dockerLog.Warn("container_config_no_project")
	}
	for _, opt := range opts {
		opt(cfg)
	}
	// Set last so options cannot turn sandbox mode off.
	cfg.environment["IS_SANDBOX"] = "1"
	return cfg
}

// WithCPULimit sets the CPU quota (e.g. "2.0").
func WithCPULimit(limit string) ContainerConfigOption {
	return func(cfg *ContainerConfig) {
		if limit != "" {
			cfg.cpuLimit = limit
		}
	}
}

// WithMemoryLimit sets the memory cap (e.g. "4g").
func WithMemoryLimit(limit string) ContainerConfigOption {
	return func(cfg *ContainerConfig) {
		if limit != "" {
			cfg.memoryLimit = limit
		}
	}
}

// WithEnvironment merges environment variables.
func WithEnvironment(env map[string]string) ContainerConfigOption {
	return func(cfg *ContainerConfig) {
		maps.Copy(cfg.environment, env)
	}
}

// WithExtraVolumes adds host:container bind mounts. Relative paths,
// unresolvable symlinks and blocklisted locations are skipped.
func WithExtraVolumes(volumes map[string]string) ContainerConfigOption {
	return func(cfg *ContainerConfig) {
		for _, host := range slices.Sorted(maps.Keys(volumes)) {
			container := volumes[host]
			if host == "" || container == "" {
				continue
			}
			cleanHost := filepath.Clean(host)
			cleanContainer := filepath.Clean(container)
			if !filepath.IsAbs(cleanHost) || !filepath.IsAbs(cleanContainer) {
				continue
			}
			resolved, err := filepath.EvalSymlinks(cleanHost)
			if err != nil {
				dockerLog.Warn("extra_volume_skipped", slog.String("path", cleanHost), slog.String("error", err.Error()))
				continue
			}
			// Check both forms: macOS resolves /etc to /private/etc.
			if hostBlocked(cleanHost) || hostBlocked(resolved) {
				continue
			}
			if slices.Contains(blockedContainerPaths, cleanContainer) || isBlockedPrefix(cleanContainer, blockedContainerPrefixes) {
				continue
			}
			cfg.volumes = append(cfg.volumes, VolumeMount{HostPath: resolved, ContainerPath: cleanContainer})
		}
	}
}

func hostBlocked(p string) bool {
	return slices.Contains(blockedHostPaths, p) ||
		isBlockedPrefix(p, blockedHostPrefixes) ||
		slices.Contains(blockedHostBases, filepath.Base(p))
}

func isBlockedPrefix(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}

// createArgs renders the hardened docker create invocation.
func (cfg *ContainerConfig) createArgs(name, image string) []string {
	args := []string{
		"create",
		"--name", name,
		"--label", ManagedLabel,
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--pids-limit=4096",
		"--read-only",
		"--tmpfs", "/tmp:rw,noexec,nosuid,size=256m",
		"--tmpfs", "/var/tmp:rw,noexec,nosuid,size=128m",
		"--tmpfs", "/root/.npm:rw,nosuid,size=256m",
		"--tmpfs", "/root/.cache:rw,nosuid,size=512m",
	}
	if cfg.workingDir != "" {
		args = append(args, "--workdir", cfg.workingDir)
	}
	for _, v := range cfg.volumes {
		args = append(args, "-v", v.flag())
	}
	for _, k := range slices.Sorted(maps.Keys(cfg.environment)) {
		args = append(args, "-e", k+"="+cfg.environment[k])
	}
	if cfg.cpuLimit != "" {
		args = append(args, "--cpus", cfg.cpuLimit)
	}
	if cfg.memoryLimit != "" {
		args = append(args, "--memory", cfg.memoryLimit)
	}
	return append(args, image, "sleep", "infinity")
}
