package workflow

import (
	"fmt"
	"os"

	"dario.cat/mergo"
)

// effectiveConfiguration is what a handler sees for one operation: the instance
// configuration overlaid with the operation configuration. Operation values may refer
// to instance keys as ${key}.
func effectiveConfiguration(instance, operation map[string]string) (map[string]string, error) {
	merged := make(map[string]string, len(instance)+len(operation))
	if err := mergo.Merge(&merged, instance); err != nil {
		return nil, fmt.Errorf("merge instance configuration: %w", err)
	}

	expanded := make(map[string]string, len(operation))
	for key, value := range operation {
		expanded[key] = os.Expand(value, func(name string) string { return instance[name] })
	}
	if err := mergo.Merge(&merged, expanded, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merge operation configuration: %w", err)
	}
	return merged, nil
}

// mergeProperties folds properties reported by a handler into the instance
// configuration. Reported values win; empty values are ignored.
func mergeProperties(configuration *map[string]string, properties map[string]string) error {
	reported := make(map[string]string, len(properties))
	for key, value := range properties {
		if value != "" {
			reported[key] = value
		}
	}
	if len(reported) == 0 {
		return nil
	}
	if *configuration == nil {
		*configuration = make(map[string]string, len(reported))
	}
	return mergo.Merge(configuration, reported, mergo.WithOverride)
}
