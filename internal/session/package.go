package session

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pscheid92/configserver/internal/domain"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

const (
	ServicesFile = "services.yaml"
	FilesDir     = "files"

	ClusterContainer = "container"
	ClusterContent   = "content"
	ClusterAdmin     = "admin"
)

//go:embed schema/services.schema.json
var servicesSchema []byte

// Model is the parsed services.yaml of an application package.
type Model struct {
	Version  string    `yaml:"version,omitempty" json:"version,omitempty"`
	Clusters []Cluster `yaml:"clusters" json:"clusters"`
}

type Cluster struct {
	ID         string     `yaml:"id" json:"id"`
	Type       string     `yaml:"type" json:"type"`
	Nodes      int        `yaml:"nodes,omitempty" json:"nodes,omitempty"`
	JVMOptions string     `yaml:"jvmOptions,omitempty" json:"jvmOptions,omitempty"`
	Documents  []Document `yaml:"documents,omitempty" json:"documents,omitempty"`
}

type Document struct {
	Type string `yaml:"type" json:"type"`
	Mode string `yaml:"mode,omitempty" json:"mode,omitempty"`
}

func (c Cluster) nodeCount() int {
	if c.Nodes < 1 {
		return 1
	}
	return c.Nodes
}

// ClusterSpecs is what the provisioner has to converge for this model.
func (m *Model) ClusterSpecs() []domain.ClusterSpec {
	specs := make([]domain.ClusterSpec, 0, len(m.Clusters))
	for _, c := range m.Clusters {
		specs = append(specs, domain.ClusterSpec{ID: c.ID, Type: c.Type, Nodes: c.nodeCount()})
	}
	return specs
}

func (m *Model) cluster(id string) (Cluster, bool) {
	for _, c := range m.Clusters {
		if c.ID == id {
			return c, true
		}
	}
	return Cluster{}, false
}

var compileSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(servicesSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("services.schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile("services.schema.json")
})

// LoadModel reads and parses services.yaml from an application package
// directory. Schema violations are returned as *domain.InvalidPackageError
// together with the best-effort model, so callers may choose to ignore them.
// A missing file or broken YAML yields no model at all.
func LoadModel(appDir string) (*Model, error) {
	raw, err := os.ReadFile(filepath.Join(appDir, ServicesFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, &domain.InvalidPackageError{Problems: []string{ServicesFile + " is missing"}}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", ServicesFile, err)
	}

	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, &domain.InvalidPackageError{Problems: []string{fmt.Sprintf("%s: %v", ServicesFile, err)}}
	}

	var model Model
	if err := yaml.Unmarshal(raw, &model); err != nil {
		// Well-formed YAML of the wrong shape; the schema reports the details.
		model = Model{}
	}

	if problems := validateSchema(doc); len(problems) > 0 {
		return &model, &domain.InvalidPackageError{Problems: problems}
	}
	return &model, nil
}

func validateSchema(doc any) []string {
	schema, err := compileSchema()
	if err != nil {
		return []string{fmt.Sprintf("schema unavailable: %v", err)}
	}

	// Round-trip through JSON so the instance only holds JSON types.
	encoded, err := json.Marshal(doc)
	if err != nil {
		return []string{fmt.Sprintf("%s is not representable as JSON: %v", ServicesFile, err)}
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return []string{err.Error()}
	}

	err = schema.Validate(inst)
	if err == nil {
		return nil
	}

	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return []string{err.Error()}
	}
	var problems []string
	for _, line := range strings.Split(verr.Error(), "\n")[1:] {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
		if line != "" {
			problems = append(problems, line)
		}
	}
	if len(problems) == 0 {
		problems = []string{verr.Error()}
	}
	return problems
}

// ValidateReferences checks constraints that span several clusters.
func (m *Model) ValidateReferences() error {
	var problems []string
	seen := make(map[string]bool)
	for _, c := range m.Clusters {
		if seen[c.ID] {
			problems = append(problems, fmt.Sprintf("cluster id %q is declared more than once", c.ID))
		}
		seen[c.ID] = true

		if c.Type == ClusterContent && len(c.Documents) == 0 {
			problems = append(problems, fmt.Sprintf("content cluster %q declares no document types", c.ID))
		}
	}
	if len(problems) > 0 {
		return &domain.InvalidPackageError{Problems: problems}
	}
	return nil
}
