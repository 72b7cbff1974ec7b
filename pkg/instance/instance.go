package instance

import (
	"github.com/denisbrodbeck/machineid"
	"github.com/google/uuid"
)

const appID = "perp-agent"

// ID returns a stable identifier for this host, hashed with the app id so the
// raw machine id never leaves the process. Hosts without a readable machine id
// get a random id that lives for the process lifetime.
func ID() string {
	if id, err := machineid.ProtectedID(appID); err == nil && id != "" {
		return id[:16]
	}
	return "ephemeral-" + uuid.NewString()[:8]
}
