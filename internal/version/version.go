package version

// Version is the engine release version. Overridable at build time:
//
//	go build -ldflags "-X github.com/atlasalgo/portfolio-engine/internal/version.Version=1.2.3"
var Version = "0.4.0"
