package device

import (
	"context"
	"strconv"
)

func tpmKind() kind {
	return kind{
		details: tpmDetails,
		fields:  []string{"instance", "pref_instance", "type"},
	}
}

func tpmDetails(ctx context.Context, c *controller, cfg Config) (int, map[string]string, map[string]string, error) {
	instance := cfg.Get("pref_instance", cfg.Get("instance", "0"))
	if _, err := strconv.Atoi(instance); err != nil {
		return 0, nil, nil, invalidf(c.class, "instance %q is not a number", instance)
	}
	typ := cfg.Get("type", "pvm")
	if typ != "pvm" && typ != "hvm" {
		return 0, nil, nil, invalidf(c.class, "unknown type %q", typ)
	}

	devid, err := c.allocateID(ctx)
	if err != nil {
		return 0, nil, nil, err
	}
	back := map[string]string{
		"pref_instance": instance,
		"instance":      instance,
		"type":          typ,
	}
	front := map[string]string{"handle": strconv.Itoa(devid)}
	return devid, back, front, nil
}
