// Package tools reads tool descriptors from the integrations directory.
// Each tool lives in integrations/<name>/ with an info.json descriptor
// and a main.py entry point. Descriptors are collaborator data: the core
// reads them but does not own their lifecycle.
package tools

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"
)

// Auth types a descriptor may declare
const (
	AuthTypeOAuth2 = "oauth2"
	AuthTypeManual = "manual"
	AuthTypeAPIKey = "api_key"
	AuthTypeNone   = "none"
)

const (
	descriptorFile = "info.json"
	entryPointFile = "main.py"
)

// Action is one named operation a tool exposes
type Action struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// EnvVariable describes a setup environment variable a tool needs
type EnvVariable struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Descriptor is the info.json contents for one tool
type Descriptor struct {
	Name         string        `json:"name"`
	DisplayName  string        `json:"display_name"`
	Description  string        `json:"description,omitempty"`
	Author       string        `json:"author,omitempty"`
	Version      string        `json:"version,omitempty"`
	AuthType     string        `json:"auth_type,omitempty"`
	Actions      []Action      `json:"actions,omitempty"`
	EnvVariables []EnvVariable `json:"setup_environment_variables,omitempty"`
}

// HasAction reports whether the descriptor lists the action
func (d *Descriptor) HasAction(name string) bool {
	for _, a := range d.Actions {
		if a.Name == name {
			return true
		}
	}
	return false
}

// Registry resolves tool names to descriptors and script paths
type Registry struct {
	baseDir string
	logger  *zap.SugaredLogger
}

// NewRegistry creates a registry over the integrations directory
func NewRegistry(baseDir string, logger *zap.SugaredLogger) *Registry {
	return &Registry{
		baseDir: baseDir,
		logger:  logger,
	}
}

// validName rejects names that could escape the integrations directory
func validName(toolName string) bool {
	return toolName != "" && toolName == filepath.Base(toolName) && toolName != "." && toolName != ".."
}

// GetToolInfo loads the descriptor for a tool. A missing or unreadable
// descriptor means "tool not found", never a crash.
func (r *Registry) GetToolInfo(toolName string) (*Descriptor, bool) {
	if !validName(toolName) {
		return nil, false
	}
	infoPath := filepath.Join(r.baseDir, toolName, descriptorFile)
	data, err := os.ReadFile(infoPath)
	if err != nil {
		return nil, false
	}

	var descriptor Descriptor
	if err := json.Unmarshal(data, &descriptor); err != nil {
		r.logger.Errorw("invalid tool descriptor", "tool", toolName, "error", err)
		return nil, false
	}
	if descriptor.Name == "" {
		descriptor.Name = toolName
	}
	return &descriptor, true
}

// ListToolNames returns the names of all tools with a readable descriptor
func (r *Registry) ListToolNames() []string {
	entries, err := os.ReadDir(r.baseDir)
	if err != nil {
		return nil
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, ok := r.GetToolInfo(entry.Name()); ok {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names
}

// ListTools returns the descriptors of all available tools
func (r *Registry) ListTools() []*Descriptor {
	var descriptors []*Descriptor
	for _, name := range r.ListToolNames() {
		if d, ok := r.GetToolInfo(name); ok {
			descriptors = append(descriptors, d)
		}
	}
	return descriptors
}

// ScriptPath returns the tool's entry point, verifying it exists
func (r *Registry) ScriptPath(toolName string) (string, error) {
	if !validName(toolName) {
		return "", fmt.Errorf("invalid tool name: %s", toolName)
	}
	path := filepath.Join(r.baseDir, toolName, entryPointFile)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("tool script not found: %s", path)
	}
	return path, nil
}
