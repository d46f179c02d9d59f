// Package firecracker boots one microVM per sandbox and drives the
// atlas-guest-agent inside it over vsock.
package firecracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/LiangMouse/fe-atlas/internal/paths"
	"github.com/LiangMouse/fe-atlas/internal/sandbox"
	"github.com/LiangMouse/fe-atlas/internal/vsockexec"
	fcvsock "github.com/firecracker-microvm/firecracker-go-sdk/vsock"
	"go.jetify.com/typeid"
)

type Options struct {
	BinaryPath      string
	KernelImagePath string
	RootFSPath      string
	RunDir          string
	VCPUs           int64
	MemoryMiB       int64
	GuestCID        uint32
	GuestPort       uint32
	LaunchSeconds   int64
}

type Booter struct {
	opts Options
	goos string
	kvm  string
}

func New(opts Options) *Booter {
	if opts.BinaryPath == "" {
		opts.BinaryPath = "firecracker"
	}
	if opts.VCPUs <= 0 {
		opts.VCPUs = 2
	}
	if opts.MemoryMiB <= 0 {
		opts.MemoryMiB = 1024
	}
	if opts.GuestCID == 0 {
		opts.GuestCID = 3
	}
	if opts.GuestPort == 0 {
		opts.GuestPort = vsockexec.DefaultPort
	}
	if opts.LaunchSeconds <= 0 {
		opts.LaunchSeconds = 30
	}
	return &Booter{opts: opts, goos: runtime.GOOS, kvm: "/dev/kvm"}
}

func (b *Booter) Name() string {
	return "firecracker"
}

func (b *Booter) Capabilities() map[string]bool {
	return map[string]bool{
		sandbox.CapabilityProcessGroupKill:   true,
		sandbox.CapabilityFilesystemIsolated: true,
		sandbox.CapabilityNetworkIsolated:    true,
		sandbox.CapabilityHardwareIsolated:   true,
	}
}

func (b *Booter) Doctor(_ context.Context) (*sandbox.DoctorReport, error) {
	report := &sandbox.DoctorReport{Backend: b.Name()}

	if b.goos == "linux" {
		report.Add("os", "pass", "linux host detected")
	} else {
		report.Add("os", "fail", fmt.Sprintf("linux required, current OS is %s", b.goos))
	}

	if _, err := exec.LookPath(b.opts.BinaryPath); err != nil {
		report.Add("binary", "fail", fmt.Sprintf("firecracker binary %q not found in PATH", b.opts.BinaryPath))
	} else {
		report.Add("binary", "pass", fmt.Sprintf("found firecracker binary %q", b.opts.BinaryPath))
	}

	if err := checkKVM(b.kvm); err != nil {
		report.Add("kvm", "fail", err.Error())
	} else {
		report.Add("kvm", "pass", b.kvm+" is accessible")
	}

	for _, asset := range []struct{ name, path string }{
		{"kernel_image", b.opts.KernelImagePath},
		{"rootfs", b.opts.RootFSPath},
	} {
		switch {
		case asset.path == "":
			report.Add(asset.name, "fail", asset.name+" not configured")
		default:
			if _, err := os.Stat(asset.path); err != nil {
				report.Add(asset.name, "fail", fmt.Sprintf("%s not accessible: %v", asset.name, err))
			} else {
				report.Add(asset.name, "pass", fmt.Sprintf("%s configured: %s", asset.name, asset.path))
			}
		}
	}
	report.Add("vsock_port", "pass", fmt.Sprintf("guest vsock port %d", b.opts.GuestPort))
	return report, nil
}

func checkKVM(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("missing %s", path)
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("cannot open %s read-write: %v", path, err)
	}
	return f.Close()
}

func (b *Booter) Boot(ctx context.Context) (sandbox.Sandbox, error) {
	if b.goos != "linux" {
		return nil, fmt.Errorf("%w: firecracker is linux-only, current OS is %s", sandbox.ErrUnsupportedHost, b.goos)
	}
	if err := checkKVM(b.kvm); err != nil {
		return nil, fmt.Errorf("%w: %v", sandbox.ErrUnsupportedHost, err)
	}
	firecrackerPath, err := exec.LookPath(b.opts.BinaryPath)
	if err != nil {
		return nil, fmt.Errorf("%w: firecracker binary not found (%q)", sandbox.ErrUnsupportedHost, b.opts.BinaryPath)
	}
	if b.opts.KernelImagePath == "" || b.opts.RootFSPath == "" {
		return nil, errors.New("kernel_image and rootfs must be configured for the firecracker backend")
	}

	kernelPath, err := filepath.Abs(b.opts.KernelImagePath)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(kernelPath); err != nil {
		return nil, fmt.Errorf("kernel image %s: %w", kernelPath, err)
	}
	rootfsPath, err := filepath.Abs(b.opts.RootFSPath)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(rootfsPath); err != nil {
		return nil, fmt.Errorf("rootfs %s: %w", rootfsPath, err)
	}

	id := newSandboxID()
	baseDir := b.opts.RunDir
	if baseDir == "" {
		if baseDir, err = paths.VMRunDir(); err != nil {
			return nil, fmt.Errorf("resolve vm run directory: %w", err)
		}
	}
	runDir := filepath.Join(baseDir, id)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, err
	}

	vmRootFSPath := filepath.Join(runDir, "rootfs-ephemeral.ext4")
	if err := copyFile(rootfsPath, vmRootFSPath); err != nil {
		_ = os.RemoveAll(runDir)
		return nil, fmt.Errorf("prepare sandbox rootfs: %w", err)
	}

	vsockPath := filepath.Join(runDir, "vsock.sock")
	cfgPath := filepath.Join(runDir, "firecracker-config.json")
	if err := writeJSON(cfgPath, vmConfig(kernelPath, vmRootFSPath, vsockPath, b.opts)); err != nil {
		_ = os.RemoveAll(runDir)
		return nil, err
	}

	logFile, err := os.Create(filepath.Join(runDir, "firecracker.log"))
	if err != nil {
		_ = os.RemoveAll(runDir)
		return nil, err
	}

	fcCmd := exec.Command(firecrackerPath, "--api-sock", filepath.Join(runDir, "firecracker.sock"), "--config-file", cfgPath)
	fcCmd.Stdout = logFile
	fcCmd.Stderr = logFile
	if err := fcCmd.Start(); err != nil {
		_ = logFile.Close()
		_ = os.RemoveAll(runDir)
		return nil, fmt.Errorf("start firecracker: %w", err)
	}
	waitCh := make(chan error, 1)
	go func() {
		waitCh <- fcCmd.Wait()
		_ = logFile.Close()
	}()

	port := b.opts.GuestPort
	sb := &Sandbox{
		id:     id,
		runDir: runDir,
		dial: func(ctx context.Context) (io.ReadWriteCloser, error) {
			return fcvsock.DialContext(ctx, vsockPath, port)
		},
		stop: func() { stopVM(fcCmd, waitCh) },
	}

	readyCtx, cancel := context.WithTimeout(ctx, time.Duration(b.opts.LaunchSeconds)*time.Second)
	defer cancel()
	if err := sb.waitReady(readyCtx, waitCh); err != nil {
		_ = sb.Close()
		return nil, err
	}
	return sb, nil
}

func vmConfig(kernelPath, rootfsPath, vsockPath string, opts Options) firecrackerConfig {
	return firecrackerConfig{
		BootSource: bootSource{
			KernelImagePath: kernelPath,
			BootArgs:        "console=ttyS0 reboot=k panic=1 pci=off init=/sbin/atlas-init",
		},
		Drives: []drive{{
			DriveID:      "rootfs",
			PathOnHost:   rootfsPath,
			IsRootDevice: true,
		}},
		MachineConfig: machineConfig{
			VCPUCount:  opts.VCPUs,
			MemSizeMiB: opts.MemoryMiB,
		},
		Vsock: &vsockConfig{
			VsockID:  "atlas-vsock",
			GuestCID: opts.GuestCID,
			UDSPath:  vsockPath,
		},
	}
}

type firecrackerConfig struct {
	BootSource    bootSource    `json:"boot-source"`
	Drives        []drive       `json:"drives"`
	MachineConfig machineConfig `json:"machine-config"`
	Vsock         *vsockConfig  `json:"vsock,omitempty"`
}

type bootSource struct {
	KernelImagePath string `json:"kernel_image_path"`
	BootArgs        string `json:"boot_args"`
}

type drive struct {
	DriveID      string `json:"drive_id"`
	PathOnHost   string `json:"path_on_host"`
	IsRootDevice bool   `json:"is_root_device"`
	IsReadOnly   bool   `json:"is_read_only"`
}

type machineConfig struct {
	VCPUCount  int64 `json:"vcpu_count"`
	MemSizeMiB int64 `json:"mem_size_mib"`
	SMT        bool  `json:"smt"`
}

type vsockConfig struct {
	VsockID  string `json:"vsock_id"`
	GuestCID uint32 `json:"guest_cid"`
	UDSPath  string `json:"uds_path"`
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}

// copyFile reflinks when the filesystem supports it and falls back to a
// byte copy.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if tryCloneFile(out, in) {
		return nil
	}
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

func stopVM(fcCmd *exec.Cmd, waitCh <-chan error) {
	if fcCmd.Process != nil {
		_ = fcCmd.Process.Kill()
	}
	select {
	case <-waitCh:
	case <-time.After(2 * time.Second):
	}
}

func newSandboxID() string {
	id, err := typeid.WithPrefix("vm")
	if err != nil {
		return fmt.Sprintf("vm-%d", time.Now().UTC().UnixNano())
	}
	return id.String()
}
