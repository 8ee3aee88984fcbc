package config

import (
	"strings"
	"testing"
)

// validConfig returns a minimal configuration that passes validation.
func validConfig() *Config {
	cfg := &Config{
		Volumes: []VolumeConfig{
			{
				Name: "disk0",
				Nodes: []NodeConfig{
					{Name: "disk0-mem", Driver: "memory", Options: map[string]string{"size": "1048576"}},
					{Name: "disk0-root", Driver: "cow", Children: map[string]string{"file": "disk0-mem"}},
				},
			},
		},
	}
	ApplyDefaults(cfg)
	return cfg
}

func TestValidate_ValidConfig(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Errorf("Expected valid config to pass validation, got error: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := validConfig()
	cfg.Logging.Level = "INVALID"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for invalid log level")
	}
	if !strings.Contains(err.Error(), "oneof") {
		t.Errorf("Expected 'oneof' validation error, got: %v", err)
	}
}

func TestValidate_MissingShutdownTimeout(t *testing.T) {
	cfg := validConfig()
	cfg.Server.ShutdownTimeout = 0

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for zero shutdown timeout")
	}
}

func TestValidate_NoVolumes(t *testing.T) {
	cfg := validConfig()
	cfg.Volumes = nil

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for no volumes")
	}
	if !strings.Contains(err.Error(), "at least one volume") {
		t.Errorf("Expected 'at least one volume' error, got: %v", err)
	}
}

func TestValidate_DuplicateVolumeNames(t *testing.T) {
	cfg := validConfig()
	cfg.Volumes = append(cfg.Volumes, cfg.Volumes[0])
	cfg.Volumes[1].Nodes = []NodeConfig{{Name: "other", Driver: "null"}}

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for duplicate volume names")
	}
	if !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("Expected 'duplicate' error, got: %v", err)
	}
}

func TestValidate_DuplicateNodeNamesAcrossVolumes(t *testing.T) {
	cfg := validConfig()
	cfg.Volumes = append(cfg.Volumes, VolumeConfig{
		Name:  "disk1",
		Nodes: []NodeConfig{{Name: "disk0-mem", Driver: "null"}},
	})

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for duplicate node names")
	}
	if !strings.Contains(err.Error(), "duplicate node name") {
		t.Errorf("Expected 'duplicate node name' error, got: %v", err)
	}
}

func TestValidate_MissingDriver(t *testing.T) {
	cfg := validConfig()
	cfg.Volumes[0].Nodes[0].Driver = ""

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for node without driver")
	}
}

func TestValidate_EmptyVolume(t *testing.T) {
	cfg := validConfig()
	cfg.Volumes[0].Nodes = nil

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for volume without nodes")
	}
}

func TestValidate_ChildMustBeDefinedEarlier(t *testing.T) {
	cfg := validConfig()
	// Reverse the node order: the root now references a node defined later.
	cfg.Volumes[0].Nodes[0], cfg.Volumes[0].Nodes[1] = cfg.Volumes[0].Nodes[1], cfg.Volumes[0].Nodes[0]

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for forward child reference")
	}
	if !strings.Contains(err.Error(), "defined earlier") {
		t.Errorf("Expected 'defined earlier' error, got: %v", err)
	}
}

func TestValidate_ChildFromOtherVolumeRejected(t *testing.T) {
	cfg := validConfig()
	cfg.Volumes = append(cfg.Volumes, VolumeConfig{
		Name: "disk1",
		Nodes: []NodeConfig{
			{Name: "thief", Driver: "cow", Children: map[string]string{"file": "disk0-mem"}},
		},
	})

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for cross-volume child reference")
	}
}

func TestValidate_RootCannotBeChild(t *testing.T) {
	cfg := validConfig()
	nodes := cfg.Volumes[0].Nodes
	// Make a third node that uses the current root as its child, then put
	// the root back at the end of the list.
	cfg.Volumes[0].Nodes = []NodeConfig{
		nodes[0],
		{Name: "middle", Driver: "cow", Children: map[string]string{"file": "disk0-mem"}},
		{Name: "disk0-root", Driver: "cow", Children: map[string]string{"file": "middle"}},
	}
	cfg.Volumes[0].Nodes[1].Children["backing"] = "disk0-root"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error when the root is used as a child")
	}
}
