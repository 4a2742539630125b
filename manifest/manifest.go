// Package manifest parses and validates the declarative descriptor that
// every extension module ships: identity, host compatibility, permissions,
// resource limits, database and workflow declarations.
package manifest

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// Sentinel errors returned by Parse and ValidateCompatibility.
var (
	ErrMalformedManifest   = errors.New("manifest: malformed manifest")
	ErrMissingField        = errors.New("manifest: missing required field")
	ErrInvalidVersionRange = errors.New("manifest: invalid version range")
	ErrIncompatibleVersion = errors.New("manifest: incompatible version")
)

// MissingFieldError reports an absent mandatory manifest key.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("manifest: missing required field %q", e.Field)
}

func (e *MissingFieldError) Unwrap() error { return ErrMissingField }

// IncompatibleVersionError reports a host or runtime version outside the
// module's declared range.
type IncompatibleVersionError struct {
	Subject string // "host" or "runtime"
	Version string
	Range   string
}

func (e *IncompatibleVersionError) Error() string {
	return fmt.Sprintf("manifest: %s version %s does not satisfy range %q", e.Subject, e.Version, e.Range)
}

func (e *IncompatibleVersionError) Unwrap() error { return ErrIncompatibleVersion }

// Compatibility declares the host and runtime version ranges a module supports.
type Compatibility struct {
	HostVersion    string `yaml:"hostVersion" json:"hostVersion"`
	RuntimeVersion string `yaml:"runtimeVersion" json:"runtimeVersion"`
}

// Permissions declares the capability grants a module requires or can use.
type Permissions struct {
	Required []string `yaml:"required" json:"required"`
	Optional []string `yaml:"optional,omitempty" json:"optional,omitempty"`
}

// ResourceLimits caps a module's resource consumption inside the sandbox.
type ResourceLimits struct {
	MaxMemoryBytes           int64   `yaml:"maxMemoryBytes" json:"maxMemoryBytes"`
	MaxCPUFraction           float64 `yaml:"maxCpuFraction" json:"maxCpuFraction"`
	MaxStorageBytes          int64   `yaml:"maxStorageBytes" json:"maxStorageBytes"`
	MaxNetworkRequestsPerMin int     `yaml:"maxNetworkRequestsPerMinute" json:"maxNetworkRequestsPerMinute"`
	MaxDatabaseConnections   int     `yaml:"maxDatabaseConnections" json:"maxDatabaseConnections"`
}

// Database declares the module's database schema slice.
type Database struct {
	MigrationsPath string `yaml:"migrationsPath,omitempty" json:"migrationsPath,omitempty"`
	SchemaPrefix   string `yaml:"schemaPrefix,omitempty" json:"schemaPrefix,omitempty"`
}

// WorkflowConfig declares the workflow and activity types a module binds
// into the host engine, scoped to its own task queue.
type WorkflowConfig struct {
	TaskQueue     string   `yaml:"taskQueue" json:"taskQueue"`
	WorkflowTypes []string `yaml:"workflowTypes,omitempty" json:"workflowTypes,omitempty"`
	ActivityTypes []string `yaml:"activityTypes,omitempty" json:"activityTypes,omitempty"`
}

// Route declares an HTTP route the module serves.
type Route struct {
	Path    string `yaml:"path" json:"path"`
	Handler string `yaml:"handler" json:"handler"`
}

// UIComponent declares a frontend component descriptor.
type UIComponent struct {
	Name string `yaml:"name" json:"name"`
	Ref  string `yaml:"ref" json:"ref"`
}

// Frontend declares the module's HTTP routes and UI component descriptors.
type Frontend struct {
	Routes       []Route       `yaml:"routes,omitempty" json:"routes,omitempty"`
	UIComponents []UIComponent `yaml:"uiComponents,omitempty" json:"uiComponents,omitempty"`
}

// Network declares the module's outbound network allow-list.
type Network struct {
	AllowedHosts []string `yaml:"allowedHosts,omitempty" json:"allowedHosts,omitempty"`
}

// Filesystem declares the module's filesystem allow-list.
type Filesystem struct {
	AllowedPaths []string `yaml:"allowedPaths,omitempty" json:"allowedPaths,omitempty"`
}

// Marketplace carries listing metadata. Parsed but not interpreted by the
// runtime; the marketplace service owns its semantics.
type Marketplace struct {
	Category string   `yaml:"category,omitempty" json:"category,omitempty"`
	Price    string   `yaml:"price,omitempty" json:"price,omitempty"`
	Tags     []string `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// ModuleMetadata is the immutable, validated form of a module manifest.
// One instance exists per module version; it is never mutated after Parse.
type ModuleMetadata struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Version        string         `json:"version"`
	Description    string         `json:"description,omitempty"`
	Compatibility  Compatibility  `json:"compatibility"`
	Permissions    Permissions    `json:"permissions"`
	ResourceLimits ResourceLimits `json:"resources"`
	Database       Database       `json:"database"`
	Workflows      WorkflowConfig `json:"workflows"`
	Frontend       Frontend       `json:"frontend"`
	Network        Network        `json:"network"`
	Filesystem     Filesystem     `json:"filesystem"`
	Marketplace    Marketplace    `json:"marketplace"`

	hostRange    *semver.Constraints
	runtimeRange *semver.Constraints
}

// rawManifest is the on-disk YAML shape. The "module" section carries the
// identity fields that end up flattened onto ModuleMetadata.
type rawManifest struct {
	Module struct {
		ID          string `yaml:"id"`
		Name        string `yaml:"name"`
		Version     string `yaml:"version"`
		Description string `yaml:"description"`
	} `yaml:"module"`
	Compatibility Compatibility  `yaml:"compatibility"`
	Permissions   Permissions    `yaml:"permissions"`
	Resources     ResourceLimits `yaml:"resources"`
	Database      Database       `yaml:"database"`
	Workflows     WorkflowConfig `yaml:"workflows"`
	Frontend      Frontend       `yaml:"frontend"`
	Network       Network        `yaml:"network"`
	Filesystem    Filesystem     `yaml:"filesystem"`
	Marketplace   Marketplace    `yaml:"marketplace"`
}

var moduleIDRe = regexp.MustCompile(`^[a-z](?:[a-z0-9-]*[a-z0-9])?$`)

// Parse decodes and validates a manifest. It is a pure function: no I/O, no
// side effects. Syntax errors surface as ErrMalformedManifest, absent
// mandatory keys as MissingFieldError, and unparsable semver ranges as
// ErrInvalidVersionRange.
func Parse(data []byte) (*ModuleMetadata, error) {
	var raw rawManifest
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedManifest, err)
	}

	if raw.Module.ID == "" {
		return nil, &MissingFieldError{Field: "module.id"}
	}
	if !moduleIDRe.MatchString(raw.Module.ID) {
		return nil, fmt.Errorf("%w: module id %q must be lowercase alphanumeric with hyphens",
			ErrMalformedManifest, raw.Module.ID)
	}
	if raw.Module.Name == "" {
		return nil, &MissingFieldError{Field: "module.name"}
	}
	if raw.Module.Version == "" {
		return nil, &MissingFieldError{Field: "module.version"}
	}
	if _, err := parseVersion(raw.Module.Version); err != nil {
		return nil, fmt.Errorf("%w: version %q: %v", ErrInvalidVersionRange, raw.Module.Version, err)
	}
	if raw.Compatibility.HostVersion == "" {
		return nil, &MissingFieldError{Field: "compatibility.hostVersion"}
	}
	if raw.Compatibility.RuntimeVersion == "" {
		return nil, &MissingFieldError{Field: "compatibility.runtimeVersion"}
	}

	hostRange, err := parseRange(raw.Compatibility.HostVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: compatibility.hostVersion %q: %v",
			ErrInvalidVersionRange, raw.Compatibility.HostVersion, err)
	}
	runtimeRange, err := parseRange(raw.Compatibility.RuntimeVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: compatibility.runtimeVersion %q: %v",
			ErrInvalidVersionRange, raw.Compatibility.RuntimeVersion, err)
	}

	if raw.Workflows.TaskQueue == "" && (len(raw.Workflows.WorkflowTypes) > 0 || len(raw.Workflows.ActivityTypes) > 0) {
		return nil, &MissingFieldError{Field: "workflows.taskQueue"}
	}

	md := &ModuleMetadata{
		ID:             raw.Module.ID,
		Name:           raw.Module.Name,
		Version:        raw.Module.Version,
		Description:    raw.Module.Description,
		Compatibility:  raw.Compatibility,
		Permissions:    raw.Permissions,
		ResourceLimits: raw.Resources,
		Database:       raw.Database,
		Workflows:      raw.Workflows,
		Frontend:       raw.Frontend,
		Network:        raw.Network,
		Filesystem:     raw.Filesystem,
		Marketplace:    raw.Marketplace,
		hostRange:      hostRange,
		runtimeRange:   runtimeRange,
	}
	return md, nil
}

// ValidateCompatibility checks the running host and runtime versions against
// the module's declared ranges. A mismatch is a hard failure, never a warning.
func ValidateCompatibility(md *ModuleMetadata, hostVersion, runtimeVersion string) error {
	hv, err := parseVersion(hostVersion)
	if err != nil {
		return fmt.Errorf("manifest: host version %q: %w", hostVersion, err)
	}
	rv, err := parseVersion(runtimeVersion)
	if err != nil {
		return fmt.Errorf("manifest: runtime version %q: %w", runtimeVersion, err)
	}

	hostRange, runtimeRange := md.hostRange, md.runtimeRange
	if hostRange == nil || runtimeRange == nil {
		// Metadata decoded from a registry snapshot rather than Parse;
		// recover the ranges from the declared strings.
		if hostRange, err = parseRange(md.Compatibility.HostVersion); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidVersionRange, err)
		}
		if runtimeRange, err = parseRange(md.Compatibility.RuntimeVersion); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidVersionRange, err)
		}
	}

	if !hostRange.Check(hv) {
		return &IncompatibleVersionError{Subject: "host", Version: hostVersion, Range: md.Compatibility.HostVersion}
	}
	if !runtimeRange.Check(rv) {
		return &IncompatibleVersionError{Subject: "runtime", Version: runtimeVersion, Range: md.Compatibility.RuntimeVersion}
	}
	return nil
}
