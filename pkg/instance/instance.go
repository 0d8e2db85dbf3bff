package instance

import (
	"os"

	"github.com/denisbrodbeck/machineid"
	"github.com/google/uuid"
)

const appID = "strategy-daemon"

// ID returns a stable per-host identifier for heartbeats. Hosts without a
// readable machine id (containers) fall back to hostname, then a random id.
func ID() string {
	if id, err := machineid.ProtectedID(appID); err == nil && id != "" {
		return id[:16]
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return uuid.NewString()
}
