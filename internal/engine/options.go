package engine

import (
	"fmt"
	"sort"

	"suis/internal/config"
	"suis/internal/datamap"
	"suis/internal/dispatch"
	"suis/internal/field"
	"suis/internal/input"
	"suis/internal/rank"
)

func rankOptions(cfg *config.Config) rank.Options {
	policy, _ := field.ParsePolicy(cfg.Ranking.Policy)
	return rank.Options{
		DefaultPolicy: policy,
		RayMarch:      cfg.Ranking.RayMarch,
		RayMaxLength:  cfg.Ranking.RayMaxLength,
		RayMarchSteps: cfg.Ranking.RayMarchSteps,
		RayMinStep:    cfg.Ranking.RayMinStep,
	}
}

func dispatchOptions(cfg *config.Config) dispatch.Options {
	return dispatch.Options{
		Workers:        cfg.Engine.Workers,
		HandlerTimeout: cfg.HandlerTimeout(),
		FrameTimeout:   cfg.FrameTimeout(),
		MailboxSize:    cfg.Engine.MailboxSize,
	}
}

func datamapLimits(cfg *config.Config) datamap.Limits {
	return datamap.Limits{
		MaxBytes: cfg.Datamap.MaxBytes,
		MaxDepth: cfg.Datamap.MaxDepth,
	}
}

// loadSchemas compiles the per-kind datamap schemas named in cfg. Relative paths are
// resolved against the directory of configPath.
func loadSchemas(cfg *config.Config, configPath string) (map[input.Kind]*datamap.Schema, error) {
	if len(cfg.Datamap.Schemas) == 0 {
		return nil, nil
	}

	names := make([]string, 0, len(cfg.Datamap.Schemas))
	for name := range cfg.Datamap.Schemas {
		names = append(names, name)
	}
	sort.Strings(names)

	schemas := make(map[input.Kind]*datamap.Schema, len(names))
	for _, name := range names {
		kind, ok := input.ParseKind(name)
		if !ok {
			return nil, fmt.Errorf("datamap schema: unknown method kind %q", name)
		}
		s, err := datamap.LoadSchema(config.SchemaPath(configPath, cfg.Datamap.Schemas[name]))
		if err != nil {
			return nil, fmt.Errorf("datamap schema for %s: %w", kind, err)
		}
		schemas[kind] = s
	}
	return schemas, nil
}
