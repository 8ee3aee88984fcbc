package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// This function uses go-playground/validator for declarative validation via
// struct tags, with additional custom validation for graph rules that cannot
// be expressed in tags.
//
// Note: Log level normalization is handled in ApplyDefaults, not here.
// Validation accepts both uppercase and lowercase log levels.
//
// Returns an error describing validation failures.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	if len(cfg.Volumes) == 0 {
		return fmt.Errorf("volumes: at least one volume must be configured")
	}

	// Volume names must be unique.
	volNames := make(map[string]bool)
	for i, vol := range cfg.Volumes {
		if volNames[vol.Name] {
			return fmt.Errorf("volumes[%d]: duplicate volume name %q", i, vol.Name)
		}
		volNames[vol.Name] = true
	}

	// Node names must be unique across all volumes, and children may only
	// reference nodes defined earlier in the same volume.
	nodeNames := make(map[string]bool)
	for i, vol := range cfg.Volumes {
		inVolume := make(map[string]bool)
		for j, node := range vol.Nodes {
			if node.Name != "" {
				if nodeNames[node.Name] {
					return fmt.Errorf("volumes[%d].nodes[%d]: duplicate node name %q", i, j, node.Name)
				}
				nodeNames[node.Name] = true
			}
			for childName, ref := range node.Children {
				if ref == "" {
					return fmt.Errorf("volumes[%d].nodes[%d]: child %q references an empty node name", i, j, childName)
				}
				if !inVolume[ref] {
					return fmt.Errorf("volumes[%d].nodes[%d]: child %q references unknown node %q (children must be defined earlier in the same volume)",
						i, j, childName, ref)
				}
			}
			if node.Name != "" {
				inVolume[node.Name] = true
			}
		}

		// The root must not be referenced as somebody's child.
		root := vol.Nodes[len(vol.Nodes)-1]
		for _, node := range vol.Nodes {
			for childName, ref := range node.Children {
				if root.Name != "" && ref == root.Name {
					return fmt.Errorf("volumes[%d]: root node %q cannot be the %q child of %q",
						i, root.Name, childName, node.Name)
				}
			}
		}
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		// Return the first validation error with context
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
