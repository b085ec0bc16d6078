package outbound

import (
	"time"

	"github.com/hatago-mcp/hatago/pkg/mcp"
)

// CachedServer is one upstream's advisory snapshot: its last fetched
// listings tied to the config fingerprint that produced them.
type CachedServer struct {
	Fingerprint  uint64
	Capabilities *mcp.Capabilities
	LastReadyAt  time.Time
}

// MetadataStore persists advisory hub state across restarts. Load never
// fails; a missing or corrupt cache yields an empty map.
type MetadataStore interface {
	LoadServers() map[string]CachedServer
	SaveServers(map[string]CachedServer) error
}
