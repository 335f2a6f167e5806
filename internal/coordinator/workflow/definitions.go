package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/nemanja-m/lectern/internal/coordinator/core"
)

// Registry holds the workflow definitions known to the coordinator.
type Registry struct {
	mu          sync.RWMutex
	definitions map[string]*core.WorkflowDefinition
}

func NewRegistry() *Registry {
	return &Registry{definitions: make(map[string]*core.WorkflowDefinition)}
}

// Register validates def and stores a normalized copy, replacing any definition with
// the same id.
func (r *Registry) Register(def *core.WorkflowDefinition) error {
	normalized := normalize(def)
	if err := Validate(normalized); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.definitions[normalized.ID] = normalized
	return nil
}

// Unregister removes the definition with id. Running instances keep their own copy.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.definitions[id]; !ok {
		return fmt.Errorf("%w: %s", core.ErrDefinitionNotFound, id)
	}
	delete(r.definitions, id)
	return nil
}

func (r *Registry) Get(id string) (*core.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.definitions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrDefinitionNotFound, id)
	}
	return copyDefinition(def), nil
}

// List returns every definition sorted by id.
func (r *Registry) List() []*core.WorkflowDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]*core.WorkflowDefinition, 0, len(r.definitions))
	for _, def := range r.definitions {
		defs = append(defs, copyDefinition(def))
	}
	sort.Slice(defs, func(i, k int) bool { return defs[i].ID < defs[k].ID })
	return defs
}

// CapabilityLister reports the registrations serving a capability.
type CapabilityLister interface {
	RegistrationsByType(ctx context.Context, capability string) ([]*core.ServiceRegistration, error)
}

// MissingCapabilities returns, in operation order, the capabilities of def that no
// registration out of maintenance can take jobs for. A definition without missing
// capabilities is runnable.
func MissingCapabilities(ctx context.Context, lister CapabilityLister, def *core.WorkflowDefinition) ([]string, error) {
	var missing []string
	checked := make(map[string]bool)
	for _, op := range def.Operations {
		if checked[op.Capability] {
			continue
		}
		checked[op.Capability] = true

		regs, err := lister.RegistrationsByType(ctx, op.Capability)
		if err != nil {
			return nil, fmt.Errorf("list %s registrations: %w", op.Capability, err)
		}
		served := false
		for _, reg := range regs {
			if reg.JobProducer && !reg.InMaintenance {
				served = true
				break
			}
		}
		if !served {
			missing = append(missing, op.Capability)
		}
	}
	return missing, nil
}

// LoadDir registers every YAML and TOML definition found below dir and returns how
// many were loaded. Loading stops at the first invalid file.
func (r *Registry) LoadDir(dir string) (int, error) {
	files, err := findDefinitionFiles(dir)
	if err != nil {
		return 0, err
	}
	for _, name := range files {
		data, err := os.ReadFile(name)
		if err != nil {
			return 0, fmt.Errorf("read definition %s: %w", name, err)
		}
		def, err := ParseDefinition(name, data)
		if err != nil {
			return 0, err
		}
		if err := r.Register(def); err != nil {
			return 0, fmt.Errorf("%s: %w", name, err)
		}
	}
	return len(files), nil
}

func findDefinitionFiles(dir string) ([]string, error) {
	pattern := filepath.Join(dir, "**", "*.{yaml,yml,toml}")
	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return nil, fmt.Errorf("find definitions in %s: %w", dir, err)
	}
	var files []string
	for _, name := range matches {
		info, err := os.Lstat(name)
		if err != nil {
			continue
		}
		if info.Mode().IsRegular() {
			files = append(files, name)
		}
	}
	sort.Strings(files)
	return files, nil
}

// ParseDefinition decodes a definition file. The format follows the file extension.
func ParseDefinition(name string, data []byte) (*core.WorkflowDefinition, error) {
	var def core.WorkflowDefinition
	var err error
	switch strings.ToLower(filepath.Ext(name)) {
	case ".toml":
		err = toml.Unmarshal(data, &def)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &def)
	default:
		return nil, fmt.Errorf("%w: unsupported definition format %q", core.ErrInvalidDefinition, filepath.Ext(name))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", core.ErrInvalidDefinition, name, err)
	}
	return &def, nil
}

// Validate checks that def can be started. A definition without operations is valid
// and succeeds as soon as it starts.
func Validate(def *core.WorkflowDefinition) error {
	if strings.TrimSpace(def.ID) == "" {
		return fmt.Errorf("%w: id is required", core.ErrInvalidDefinition)
	}

	conds, err := sharedConditions()
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(def.Operations))
	for i, op := range def.Operations {
		if strings.TrimSpace(op.Capability) == "" {
			return fmt.Errorf("%w: %s operation %d has no capability", core.ErrInvalidDefinition, def.ID, i)
		}
		if op.ID != "" && seen[op.ID] {
			return fmt.Errorf("%w: %s has duplicate operation %q", core.ErrInvalidDefinition, def.ID, op.ID)
		}
		seen[op.ID] = true
		if op.Retries < 0 {
			return fmt.Errorf("%w: %s operation %q has negative retries", core.ErrInvalidDefinition, def.ID, op.ID)
		}
		if op.If != "" {
			if _, err := conds.compile(op.If); err != nil {
				return fmt.Errorf("%w: %s operation %q: %v", core.ErrInvalidDefinition, def.ID, op.ID, err)
			}
		}
	}
	return nil
}

// normalize names unnamed operations after their capability, suffixed when the
// capability repeats.
func normalize(def *core.WorkflowDefinition) *core.WorkflowDefinition {
	out := copyDefinition(def)
	used := make(map[string]int)
	for _, op := range out.Operations {
		if op.ID != "" {
			used[op.ID]++
		}
	}
	for i := range out.Operations {
		op := &out.Operations[i]
		if op.ID != "" {
			continue
		}
		id := op.Capability
		for n := 2; used[id] > 0; n++ {
			id = fmt.Sprintf("%s-%d", op.Capability, n)
		}
		used[id]++
		op.ID = id
	}
	return out
}

func copyDefinition(def *core.WorkflowDefinition) *core.WorkflowDefinition {
	out := *def
	out.Operations = make([]core.OperationDefinition, len(def.Operations))
	for i, op := range def.Operations {
		out.Operations[i] = op
		if op.Configuration != nil {
			out.Operations[i].Configuration = make(map[string]string, len(op.Configuration))
			for k, v := range op.Configuration {
				out.Operations[i].Configuration[k] = v
			}
		}
	}
	return &out
}
