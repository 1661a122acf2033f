package version

// Version is set at build time with -ldflags "-X github.com/ccfos/alarmflow/pkg/version.Version=...".
var Version = "unknown"
