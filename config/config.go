// Package config loads the fleet server-definition file. Both JSON and YAML
// are accepted, chosen by file extension. Validation failures are fatal:
// a bad definition file aborts startup rather than running a partial fleet.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mcpfleet/fleet-core/manager"
	"github.com/mcpfleet/fleet-core/paths"
)

// CurrentVersion is the schema version written by Save. Version 1 files had
// no group support and are migrated on load.
const CurrentVersion = 2

// DefaultGroup is the group synthesized when migrating a version 1 file.
const DefaultGroup = "default"

// ServerConfig describes how to launch one server process.
type ServerConfig struct {
	Command string            `json:"command" yaml:"command"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// GroupConfig is a named set of servers addressable as one dispatch target.
type GroupConfig struct {
	Servers     []string `json:"servers" yaml:"servers"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
}

// File is the on-disk definition file.
type File struct {
	Version int                     `json:"version,omitempty" yaml:"version,omitempty"`
	Servers map[string]ServerConfig `json:"mcpServers" yaml:"mcpServers"`
	Groups  map[string]GroupConfig  `json:"serverGroups,omitempty" yaml:"serverGroups,omitempty"`
	Active  []string                `json:"activeServers,omitempty" yaml:"activeServers,omitempty"`
}

// Load reads, migrates, and validates a definition file. YAML is used for
// .yaml/.yml extensions, JSON otherwise.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var f File
	if isYAML(path) {
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
		}
	} else {
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
		}
	}

	f.migrate()
	if err := f.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", filepath.Base(path), err)
	}
	return &f, nil
}

// LoadDefault loads the definition file from the standard config location.
func LoadDefault() (*File, error) {
	path, err := paths.ConfigFilePath()
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	return Load(path)
}

// Save writes the file, creating the parent directory if needed. The format
// follows the extension, matching Load.
func (f *File) Save(path string) error {
	f.Version = CurrentVersion

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(f)
	} else {
		data, err = json.MarshalIndent(f, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// migrate upgrades a version 1 file in place: no group support existed, so
// a default group holding the first server is synthesized and every server
// becomes active.
func (f *File) migrate() {
	if f.Version >= CurrentVersion {
		return
	}
	if f.Groups == nil {
		f.Groups = make(map[string]GroupConfig)
	}
	if len(f.Groups) == 0 && len(f.Servers) > 0 {
		names := f.serverNames()
		f.Groups[DefaultGroup] = GroupConfig{
			Servers:     names[:1],
			Description: "migrated from version 1",
		}
	}
	if len(f.Active) == 0 {
		f.Active = f.serverNames()
	}
	f.Version = CurrentVersion
}

func (f *File) serverNames() []string {
	names := make([]string, 0, len(f.Servers))
	for name := range f.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// validate rejects definitions the manager could not safely run: servers
// without commands, groups or active lists naming unknown servers, and
// duplicate names within a list.
func (f *File) validate() error {
	if len(f.Servers) == 0 {
		return fmt.Errorf("no servers defined")
	}
	for name, srv := range f.Servers {
		if name == "" {
			return fmt.Errorf("server with empty name")
		}
		if srv.Command == "" {
			return fmt.Errorf("server %s: command is required", name)
		}
	}

	for gname, g := range f.Groups {
		seen := make(map[string]bool)
		for _, member := range g.Servers {
			if _, ok := f.Servers[member]; !ok {
				return fmt.Errorf("group %s: unknown server %s", gname, member)
			}
			if seen[member] {
				return fmt.Errorf("group %s: duplicate server %s", gname, member)
			}
			seen[member] = true
		}
	}

	seen := make(map[string]bool)
	for _, name := range f.Active {
		if _, ok := f.Servers[name]; !ok {
			return fmt.Errorf("activeServers: unknown server %s", name)
		}
		if seen[name] {
			return fmt.Errorf("activeServers: duplicate server %s", name)
		}
		seen[name] = true
	}
	return nil
}

// ActiveNames returns the servers to launch, sorted. An absent active list
// means every defined server.
func (f *File) ActiveNames() []string {
	if len(f.Active) > 0 {
		names := append([]string(nil), f.Active...)
		sort.Strings(names)
		return names
	}
	return f.serverNames()
}

// Definitions converts the active servers into manager definitions with
// their group memberships attached, sorted by name.
func (f *File) Definitions() []manager.ServerDefinition {
	groupsFor := make(map[string][]string)
	for gname, g := range f.Groups {
		for _, member := range g.Servers {
			groupsFor[member] = append(groupsFor[member], gname)
		}
	}
	for _, groups := range groupsFor {
		sort.Strings(groups)
	}

	var defs []manager.ServerDefinition
	for _, name := range f.ActiveNames() {
		srv := f.Servers[name]
		defs = append(defs, manager.ServerDefinition{
			Name:    name,
			Command: srv.Command,
			Args:    srv.Args,
			Env:     srv.Env,
			Groups:  groupsFor[name],
		})
	}
	return defs
}
