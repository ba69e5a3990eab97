package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RemoteCapability describes a capability served by another process over
// NATS.
type RemoteCapability struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Subject     string         `yaml:"subject,omitempty"`
	Timeout     time.Duration  `yaml:"timeout,omitempty"`
	Parameters  map[string]any `yaml:"parameters,omitempty"`
}

// WorkflowStep is one step of a catalog workflow.
type WorkflowStep struct {
	Name       string         `yaml:"name,omitempty"`
	Capability string         `yaml:"capability"`
	Arguments  map[string]any `yaml:"arguments,omitempty"`
	Timeout    time.Duration  `yaml:"timeout,omitempty"`
}

// Workflow is a named sequence of capability calls served in-process.
type Workflow struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Timeout     time.Duration  `yaml:"timeout,omitempty"`
	Steps       []WorkflowStep `yaml:"steps"`
}

// Catalog is the document stored in a catalog file.
//
//	capabilities:
//	  - name: weather
//	    description: Current weather for a city
//	    subject: tools.weather
//	    timeout: 10s
//	    parameters:
//	      type: object
//	      properties:
//	        city: {type: string}
//	      required: [city]
//	workflows:
//	  - name: trip_check
//	    description: Weather, then a packing list
//	    steps:
//	      - capability: weather
//	      - capability: packing
//	        arguments: {style: light}
type Catalog struct {
	Capabilities []RemoteCapability `yaml:"capabilities"`
	Workflows    []Workflow         `yaml:"workflows,omitempty"`
}

// LoadCatalog reads and validates a catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s - read catalog: %w", logPrefix, err)
	}

	return ParseCatalog(data)
}

// ParseCatalog decodes a YAML catalog document.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%s - parse catalog: %w", logPrefix, err)
	}

	seen := make(map[string]bool, len(c.Capabilities))

	for i, rc := range c.Capabilities {
		if rc.Name == "" {
			return nil, fmt.Errorf("%s - catalog entry %d has no name", logPrefix, i)
		}

		if seen[rc.Name] {
			return nil, fmt.Errorf("%s - duplicate catalog entry %q", logPrefix, rc.Name)
		}

		seen[rc.Name] = true

		if rc.Timeout < 0 {
			return nil, fmt.Errorf("%s - catalog entry %q has a negative timeout", logPrefix, rc.Name)
		}
	}

	for i, wf := range c.Workflows {
		if wf.Name == "" {
			return nil, fmt.Errorf("%s - workflow %d has no name", logPrefix, i)
		}

		if seen[wf.Name] {
			return nil, fmt.Errorf("%s - duplicate catalog entry %q", logPrefix, wf.Name)
		}

		seen[wf.Name] = true

		if err := validateWorkflow(wf); err != nil {
			return nil, err
		}
	}

	return &c, nil
}

func validateWorkflow(wf Workflow) error {
	if len(wf.Steps) == 0 {
		return fmt.Errorf("%s - workflow %q has no steps", logPrefix, wf.Name)
	}

	if wf.Timeout < 0 {
		return fmt.Errorf("%s - workflow %q has a negative timeout", logPrefix, wf.Name)
	}

	for i, s := range wf.Steps {
		if s.Capability == "" {
			return fmt.Errorf("%s - workflow %q step %d has no capability", logPrefix, wf.Name, i)
		}

		if s.Timeout < 0 {
			return fmt.Errorf("%s - workflow %q step %d has a negative timeout", logPrefix, wf.Name, i)
		}
	}

	return nil
}
