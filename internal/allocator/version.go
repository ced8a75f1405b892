package allocator

// Set at build time via -ldflags.
var (
	Version = "dev"
	GitSHA  = "unknown"
)
