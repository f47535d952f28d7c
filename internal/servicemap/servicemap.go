// Package servicemap loads the static service-to-repository dependency map.
// The map is the authoritative source of which services depend on the
// contract owner.
package servicemap

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/tidemark-io/propagate/pkg/alg/mapx"
)

// DefaultLanguage is assumed when a service omits its language hint.
const DefaultLanguage = "python"

// Service describes one consumer of the contract owner's API.
type Service struct {
	Repo                string   `yaml:"repo"                   validate:"required"`
	Language            string   `yaml:"language"`
	ClientPaths         []string `yaml:"client_paths"`
	TestPaths           []string `yaml:"test_paths"`
	FrontendPaths       []string `yaml:"frontend_paths"`
	DependsOn           []string `yaml:"depends_on"`
	IncludeInTopCallers bool     `yaml:"include_in_top_callers"`
}

// Map is the service dependency map keyed by service name.
type Map map[string]Service

type mapFile struct {
	Services map[string]Service `yaml:"services"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads and validates the service map at path.
func Load(path string) (Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read service map %s: %w", path, err)
	}

	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("service map %s: %w", path, err)
	}

	return m, nil
}

// Parse parses and validates service map YAML. A service with no language
// hint defaults to DefaultLanguage. A nil depends_on list is distinct from
// an explicitly empty one: nil means "unspecified" and is resolved to the
// contract owner when the dependency graph is built.
func Parse(data []byte) (Map, error) {
	var file mapFile

	err := yaml.Unmarshal(data, &file)
	if err != nil {
		return nil, fmt.Errorf("parse service map: %w", err)
	}

	result := make(Map, len(file.Services))

	for name, svc := range file.Services {
		if svc.Language == "" {
			svc.Language = DefaultLanguage
		}

		validateErr := validate.Struct(svc)
		if validateErr != nil {
			return nil, fmt.Errorf("service %q: %w", name, validateErr)
		}

		result[name] = svc
	}

	return result, nil
}

// Names returns the mapped service names in sorted order.
func (m Map) Names() []string {
	return mapx.SortedKeys(m)
}
