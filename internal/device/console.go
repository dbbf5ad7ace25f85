package device

import (
	"context"

	"github.com/google/uuid"
)

var consoleFields = []string{"uri", "uuid", "protocol"}

func consoleKind() kind {
	return kind{
		details: consoleDetails,
		fields:  consoleFields,
	}
}

// consoleDetails records a serial or vnc console endpoint so that it keeps
// a persistent uuid. Nothing in the guest reads these entries.
func consoleDetails(ctx context.Context, c *controller, cfg Config) (int, map[string]string, map[string]string, error) {
	devid, err := c.allocateID(ctx)
	if err != nil {
		return 0, nil, nil, err
	}
	back := make(map[string]string)
	for _, k := range consoleFields {
		if v := cfg[k]; v != "" {
			back[k] = v
		}
	}
	if back["uuid"] == "" {
		back["uuid"] = uuid.NewString()
	}
	return devid, back, nil, nil
}
