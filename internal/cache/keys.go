package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func RunKey(runID uuid.UUID) string {
	return fmt.Sprintf("run:%s", runID)
}

// RateLimitKey scopes a trigger rate-limit counter to one client.
func RateLimitKey(client string) string {
	return fmt.Sprintf("ratelimit:trigger:%s", client)
}
