// Package version exposes build-time version metadata for the propagate binary.
package version

// These variables are populated at build time via -ldflags:
//
//	go build -ldflags "-X github.com/tidemark-io/propagate/pkg/version.Version=v1.2.3 \
//	  -X github.com/tidemark-io/propagate/pkg/version.Commit=abc1234 \
//	  -X github.com/tidemark-io/propagate/pkg/version.Date=2026-01-02"
var (
	// Version is the semantic version of the binary.
	Version = "dev"

	// Commit is the git commit hash the binary was built from.
	Commit = "none"

	// Date is the build timestamp.
	Date = "unknown"
)
