package device

import "context"

func usbKind() kind {
	return kind{
		details: func(ctx context.Context, c *controller, cfg Config) (int, map[string]string, map[string]string, error) {
			path := cfg["path"]
			if path == "" {
				return 0, nil, nil, invalidf(c.class, "missing path")
			}
			devid, err := c.allocateID(ctx)
			if err != nil {
				return 0, nil, nil, err
			}
			return devid, map[string]string{"path": path}, nil, nil
		},
		fields: []string{"path"},
	}
}
