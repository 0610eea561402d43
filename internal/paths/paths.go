// Package paths knows the on-disk layout of an aevo workspace:
//
//	<root>/.aevo/config.json   configuration
//	<root>/.aevo/aevo.db       SQLite rule store
//	<root>/.aevo/events/       one <id>.json per evolution event
//	<root>/.aevo/reports/      usage and quality reports (*.toml)
//	<root>/.aevo/logs/         log files
//	<root>/grammar.toml        seed grammar for the root snapshot
package paths

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	DataDirName   = ".aevo"
	ConfigFile    = "config.json"
	DatabaseFile  = "aevo.db"
	EventsSubdir  = "events"
	ReportsSubdir = "reports"
	LogsSubdir    = "logs"
	LogFile       = "aevo.log"
	SeedFile      = "grammar.toml"
)

// DataDir returns <root>/.aevo
func DataDir(root string) string {
	return filepath.Join(root, DataDirName)
}

// EnsureDataDir creates <root>/.aevo and its standard subdirectories.
func EnsureDataDir(root string) (string, error) {
	dir := DataDir(root)
	for _, sub := range []string{"", EventsSubdir, ReportsSubdir, LogsSubdir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return "", err
		}
	}
	return dir, nil
}

func ConfigPath(root string) string {
	return filepath.Join(DataDir(root), ConfigFile)
}

func DatabasePath(root string) string {
	return filepath.Join(DataDir(root), DatabaseFile)
}

func LogPath(root string) string {
	return filepath.Join(DataDir(root), LogsSubdir, LogFile)
}

func SeedPath(root string) string {
	return filepath.Join(root, SeedFile)
}

// EventsDir returns the configured events directory, or the default one
// when override is empty. Relative overrides are resolved against root.
func EventsDir(root, override string) string {
	return resolve(root, override, EventsSubdir)
}

// ReportsDir is EventsDir for analysis reports.
func ReportsDir(root, override string) string {
	return resolve(root, override, ReportsSubdir)
}

func resolve(root, override, sub string) string {
	if override == "" {
		return filepath.Join(DataDir(root), sub)
	}
	if filepath.IsAbs(override) {
		return filepath.Clean(override)
	}
	return filepath.Join(root, override)
}

// CanonicalizePath converts an absolute path to a root-relative path with
// forward slashes. Symlinks are resolved when the path exists.
func CanonicalizePath(absolutePath string, root string) (string, error) {
	resolved, err := evalIfExists(absolutePath)
	if err != nil {
		return "", err
	}
	rootResolved, err := evalIfExists(root)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(rootResolved, resolved)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

func evalIfExists(p string) (string, error) {
	resolved, err := filepath.EvalSymlinks(p)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return "", err
	}
	return resolved, nil
}

// IsWithinRoot reports whether path lies under root.
func IsWithinRoot(path string, root string) bool {
	canonical, err := CanonicalizePath(path, root)
	if err != nil {
		return false
	}
	return canonical != ".." && !strings.HasPrefix(canonical, "../")
}
