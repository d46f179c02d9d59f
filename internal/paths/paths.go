package paths

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

const appName = "fe-atlas"

// resolve picks $<xdgVar>/fe-atlas, then ~/<homeRel>/fe-atlas, then
// $XDG_RUNTIME_DIR/fe-atlas.
func resolve(xdgVar string, homeRel ...string) (string, error) {
	if dir := strings.TrimSpace(os.Getenv(xdgVar)); dir != "" {
		return filepath.Join(dir, appName), nil
	}

	home, err := os.UserHomeDir()
	if err == nil && home != "" {
		parts := append([]string{home}, homeRel...)
		return filepath.Join(append(parts, appName)...), nil
	}
	if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
		return filepath.Join(runtimeDir, appName), nil
	}
	if err != nil {
		return "", err
	}
	return "", errors.New("unable to resolve " + strings.ToLower(strings.TrimPrefix(xdgVar, "XDG_")) + " directory from XDG or home")
}

// StateBaseDir resolves the base directory for durable runner state.
// Preference order:
// 1. $XDG_STATE_HOME/fe-atlas
// 2. ~/.local/state/fe-atlas
// 3. $XDG_RUNTIME_DIR/fe-atlas
func StateBaseDir() (string, error) {
	return resolve("XDG_STATE_HOME", ".local", "state")
}

// CacheBaseDir resolves the base directory for disposable sandbox data.
func CacheBaseDir() (string, error) {
	return resolve("XDG_CACHE_HOME", ".cache")
}

// ConfigBaseDir resolves $XDG_CONFIG_HOME/fe-atlas or ~/.config/fe-atlas.
func ConfigBaseDir() (string, error) {
	return resolve("XDG_CONFIG_HOME", ".config")
}

func RunLogDir() (string, error) {
	return join(StateBaseDir, "runlog")
}

func RunIndexDBPath() (string, error) {
	return join(StateBaseDir, "runlog", "index.db")
}

func SandboxBaseDir() (string, error) {
	return join(CacheBaseDir, "sandboxes")
}

func VMRunDir() (string, error) {
	return join(StateBaseDir, "vms")
}

func TSNetStateDir() (string, error) {
	return join(StateBaseDir, "tsnet")
}

// SocketPath is the default unix listen address for `atlas serve`.
func SocketPath() (string, error) {
	if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
		return filepath.Join(runtimeDir, appName, "atlas.sock"), nil
	}
	return join(StateBaseDir, "atlas.sock")
}

func join(base func() (string, error), elem ...string) (string, error) {
	dir, err := base()
	if err != nil {
		return "", err
	}
	return filepath.Join(append([]string{dir}, elem...)...), nil
}
