package version

import "fmt"

// Version/Commit are injected at build time via -ldflags.
var (
	Version = "0.1.0"
	Commit  = "dev"
)

// Full returns the version line printed by the CLI.
func Full() string {
	return fmt.Sprintf("cachedresource %s (%s)", Version, Commit)
}

// UserAgent is sent with every outgoing request.
func UserAgent() string {
	return "cachedresource/" + Version
}
