package runtime

import (
	"fmt"
	"sort"
	"sync"

	"github.com/busyhq/busyrt/pkg/engine"
)

// StaticSource is an in-memory DefinitionSource.
type StaticSource struct {
	mu        sync.RWMutex
	playbooks map[string]PlaybookDefinition
}

// NewStaticSource creates a source holding defs.
func NewStaticSource(defs ...PlaybookDefinition) *StaticSource {
	s := &StaticSource{playbooks: make(map[string]PlaybookDefinition)}
	for _, d := range defs {
		s.Register(d)
	}
	return s
}

// Register adds or replaces a playbook.
func (s *StaticSource) Register(def PlaybookDefinition) {
	s.mu.Lock()
	s.playbooks[def.Name] = def
	s.mu.Unlock()
}

// GetPlaybook implements DefinitionSource.
func (s *StaticSource) GetPlaybook(name string) (*PlaybookDefinition, error) {
	s.mu.RLock()
	def, ok := s.playbooks[name]
	s.mu.RUnlock()
	if !ok {
		return nil, engine.NewPermanentError(fmt.Sprintf("playbook %q not found", name), nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(name)
	}
	return &def, nil
}

// Names lists registered playbooks in sorted order.
func (s *StaticSource) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.playbooks))
	for n := range s.playbooks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
