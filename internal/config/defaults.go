package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const appName = "suis"

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/suis/
//   - Linux:   $XDG_DATA_HOME/suis/ or ~/.local/share/suis/
//   - Windows: %APPDATA%\suis\
//
// SUIS_DATA_DIR overrides all of them.
func PlatformDataDir() string {
	if dir := os.Getenv("SUIS_DATA_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", appName)
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, appName)
		}
		return filepath.Join(home, "AppData", "Roaming", appName)
	default:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, appName)
		}
		return filepath.Join(home, ".local", "share", appName)
	}
}

// PlatformConfigDir returns the platform-specific config directory.
func PlatformConfigDir() string {
	switch runtime.GOOS {
	case "darwin", "windows":
		return PlatformDataDir()
	default:
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, appName)
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", appName)
	}
}

// PlatformLogDir returns the platform-specific log directory.
func PlatformLogDir() string {
	switch runtime.GOOS {
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Logs", appName)
	case "windows":
		return filepath.Join(PlatformDataDir(), "logs")
	default:
		if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
			return filepath.Join(xdg, appName)
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "state", appName)
	}
}

// DefaultPaths holds the default locations for the current platform.
type DefaultPaths struct {
	DataDir   string
	ConfigDir string
	LogDir    string

	ConfigFile  string
	JournalFile string
	LogFile     string
}

// GetDefaultPaths returns all default paths for the current platform.
func GetDefaultPaths() *DefaultPaths {
	dataDir := PlatformDataDir()
	configDir := PlatformConfigDir()
	logDir := PlatformLogDir()

	return &DefaultPaths{
		DataDir:   dataDir,
		ConfigDir: configDir,
		LogDir:    logDir,

		ConfigFile:  filepath.Join(configDir, "config.toml"),
		JournalFile: filepath.Join(dataDir, "journal.db"),
		LogFile:     filepath.Join(logDir, "suisd.log"),
	}
}

// SupportedConfigFormats returns the list of supported config file formats.
func SupportedConfigFormats() []string {
	return []string{
		"toml",
		"json",
		"yaml",
		"yml",
	}
}

// FindConfigFile searches for a config file in standard locations.
// Returns the path to the first found config file, or empty string if none found.
func FindConfigFile() string {
	paths := GetDefaultPaths()

	// Search order:
	// 1. Current directory
	// 2. Config directory
	searchDirs := []string{
		".",
		paths.ConfigDir,
	}

	for _, dir := range searchDirs {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "suis."+ext)
			if dir != "." {
				path = filepath.Join(dir, "config."+ext)
			}
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}

	return ""
}
