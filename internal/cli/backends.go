package cli

import (
	"fmt"

	"github.com/LiangMouse/fe-atlas/internal/runtimeconfig"
	"github.com/LiangMouse/fe-atlas/internal/sandbox"
	"github.com/LiangMouse/fe-atlas/internal/sandbox/docker"
	"github.com/LiangMouse/fe-atlas/internal/sandbox/firecracker"
	"github.com/LiangMouse/fe-atlas/internal/sandbox/local"
)

func resolveBackendName(requested string, cfg runtimeconfig.Config) string {
	if requested != "" {
		return requested
	}
	return cfg.BackendName()
}

func newBooter(name string, cfg runtimeconfig.Config) (sandbox.Booter, error) {
	switch name {
	case "local":
		return local.New(local.Options{
			BaseDir: cfg.Backends.Local.BaseDir,
			KeepDir: cfg.Backends.Local.KeepDir,
		}), nil
	case "docker":
		d := cfg.Backends.Docker
		return docker.New(docker.Options{
			Image:       d.Image,
			Network:     d.Network,
			MemoryBytes: d.MemoryMiB << 20,
			NanoCPUs:    int64(d.CPUs * 1e9),
			PidsLimit:   d.PidsLimit,
		}), nil
	case "firecracker":
		fc := cfg.Backends.Firecracker
		return firecracker.New(firecracker.Options{
			BinaryPath:      fc.BinaryPath,
			KernelImagePath: fc.KernelImage,
			RootFSPath:      fc.RootFS,
			VCPUs:           fc.VCPUs,
			MemoryMiB:       fc.MemoryMiB,
			GuestCID:        fc.GuestCID,
			GuestPort:       fc.GuestPort,
			LaunchSeconds:   fc.LaunchSeconds,
		}), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}
}
