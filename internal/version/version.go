package version

// Version is the corduroy release, overridden at build time with
// -ldflags "-X github.com/jrepp/corduroy/internal/version.Version=...".
var Version = "0.9.0-dev"
