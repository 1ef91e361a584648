package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - DUPER_CONFIG_PATH: config file location (default: ~/.config/duper.toml)
//   - DUPER_HOME: working directory for the catalog, logs and quarantine (default: ~/.local/share/duper)
func GetDefaults() (map[string]string, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	workingDir, err := getWorkingDir()
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path":     configPath,
		"working_dir":     workingDir,
		"log_dir":         filepath.Join(workingDir, "log"),
		"quarantine_root": filepath.Join(workingDir, "duplicates"),
	}, nil
}

func getConfigPath() (string, error) {
	if path := os.Getenv("DUPER_CONFIG_PATH"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "duper.toml"), nil
}

// getWorkingDir returns the duper working directory, checking DUPER_HOME first,
// then falling back to the XDG default ~/.local/share/duper.
func getWorkingDir() (string, error) {
	if path := os.Getenv("DUPER_HOME"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "duper"), nil
}
