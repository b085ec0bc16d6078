package service

// Version is the hub build version, overridden at build time via
// -ldflags "-X github.com/hatago-mcp/hatago/internal/service.Version=...".
var Version = "dev"
