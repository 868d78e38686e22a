package store

import (
	"context"
	"fmt"

	"lockable-resources/resources"

	"github.com/viant/afs"
	"gopkg.in/yaml.v3"
)

// DefinitionFile is the administrator-maintained list of resources.
//
//	resources:
//	  - name: build-agent-1
//	    labels: [linux, x86]
type DefinitionFile struct {
	Resources []resources.Definition `yaml:"resources"`
}

// LoadDefinitions reads resource definitions from any afs-supported URL.
func LoadDefinitions(ctx context.Context, fs afs.Service, URL string) ([]resources.Definition, error) {
	if URL == "" {
		return nil, nil
	}
	data, err := fs.DownloadWithURL(ctx, URL)
	if err != nil {
		return nil, fmt.Errorf("failed to read resource definitions %s: %w", URL, err)
	}
	return ParseDefinitions(data)
}

func ParseDefinitions(data []byte) ([]resources.Definition, error) {
	var file DefinitionFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse resource definitions: %w", err)
	}
	seen := make(map[string]bool, len(file.Resources))
	for _, d := range file.Resources {
		if d.Name == "" {
			return nil, fmt.Errorf("resource definition without name")
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("duplicate resource definition: %s", d.Name)
		}
		seen[d.Name] = true
	}
	return file.Resources, nil
}
