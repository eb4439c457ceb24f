// internal/web/version.go
package web

// Set at build time via -ldflags "-X bastion/internal/web.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)
