// Package version holds build metadata for the aevo binary.
package version

import "strconv"

// Set with -ldflags, e.g.
// go build -ldflags "-X aevo/internal/version.Version=0.5.0 -X aevo/internal/version.Commit=$(git rev-parse HEAD)"
var (
	Version   = "0.4.0"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// EventSchema is the version of the persisted event record layout.
const EventSchema = 1

// shortCommit returns the abbreviated commit, or "" for unset or
// already-short values.
func shortCommit() string {
	if Commit == "unknown" || len(Commit) <= 7 {
		return ""
	}
	return Commit[:7]
}

// Info returns "VERSION" or "VERSION (COMMIT7)".
func Info() string {
	if c := shortCommit(); c != "" {
		return Version + " (" + c + ")"
	}
	return Version
}

// Full is the multi-line text printed by `aevo version`.
func Full() string {
	return "aevo version " + Version + "\n" +
		"Commit: " + Commit + "\n" +
		"Built: " + BuildDate + "\n" +
		"Event schema: " + strconv.Itoa(EventSchema)
}

// Fields is the structured form printed by `aevo version --format json`.
func Fields() map[string]interface{} {
	return map[string]interface{}{
		"version":     Version,
		"commit":      Commit,
		"buildDate":   BuildDate,
		"eventSchema": EventSchema,
	}
}
