package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// InstancePaths contains all filesystem paths used by an Echobooth instance.
type InstancePaths struct {
	Home    string // Instance home directory
	DB      string // SQLite invite store path
	Uploads string // Finished and in-progress WAV recordings
	Logs    string // Logs directory
}

// GetInstancePaths resolves the instance directory layout. The home directory
// defaults to ~/.echobooth and can be overridden with ECHOBOOTH_HOME.
func GetInstancePaths() InstancePaths {
	home := GetEchoboothHome()
	return InstancePaths{
		Home:    home,
		DB:      filepath.Join(home, "invites.db"),
		Uploads: filepath.Join(home, "uploads"),
		Logs:    filepath.Join(home, "logs"),
	}
}

// GetEchoboothHome returns the root directory for all instance data.
func GetEchoboothHome() string {
	if custom := os.Getenv("ECHOBOOTH_HOME"); custom != "" {
		return custom
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		// Fall back to the working directory when the home dir is unknown.
		return ".echobooth"
	}
	return filepath.Join(homeDir, ".echobooth")
}

// EnsureInstanceDirs creates the instance directory tree if needed and
// returns the resolved paths.
func EnsureInstanceDirs() (InstancePaths, error) {
	paths := GetInstancePaths()
	for _, dir := range []string{paths.Home, paths.Uploads, paths.Logs} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return InstancePaths{}, fmt.Errorf("config: create directory %s: %w", dir, err)
		}
	}
	return paths, nil
}
