// Package mcp is the client side of the action registry: a set of named
// HTTP services, each exposing named endpoints, through which every
// external side effect (email, social, ERP, messaging) is executed. Tools
// are addressed as "service.endpoint"; credentials come from the
// environment, never from the registry file.
package mcp

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Service describes one registered action service.
type Service struct {
	URL          string            `yaml:"url"`
	Endpoints    map[string]string `yaml:"endpoints"`
	AuthRequired bool              `yaml:"auth_required"`
	APIKeyEnv    string            `yaml:"api_key_env,omitempty"`
	RateLimit    float64           `yaml:"rate_limit,omitempty"` // requests per second, 0 = default
}

// Registry maps service names to their definitions.
type Registry struct {
	Services map[string]Service `yaml:"services"`
}

// LoadRegistry reads a registry definition from a YAML file.
func LoadRegistry(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry %s: %w", path, err)
	}
	return ParseRegistry(raw)
}

// ParseRegistry decodes and validates a registry definition.
func ParseRegistry(raw []byte) (*Registry, error) {
	reg := &Registry{}
	if err := yaml.Unmarshal(raw, reg); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	for name, svc := range reg.Services {
		if svc.URL == "" {
			return nil, fmt.Errorf("service %q has no url", name)
		}
		if len(svc.Endpoints) == 0 {
			return nil, fmt.Errorf("service %q has no endpoints", name)
		}
		if svc.AuthRequired && svc.APIKeyEnv == "" {
			return nil, fmt.Errorf("service %q requires auth but names no api_key_env", name)
		}
	}
	return reg, nil
}

// Resolve splits a "service.endpoint" tool name and returns the service
// definition with the endpoint path.
func (r *Registry) Resolve(tool string) (string, Service, string, error) {
	service, endpoint, ok := strings.Cut(tool, ".")
	if !ok {
		return "", Service{}, "", fmt.Errorf("tool %q is not service.endpoint", tool)
	}
	svc, ok := r.Services[service]
	if !ok {
		return "", Service{}, "", fmt.Errorf("unknown service %q", service)
	}
	path, ok := svc.Endpoints[endpoint]
	if !ok {
		return "", Service{}, "", fmt.Errorf("service %q has no endpoint %q", service, endpoint)
	}
	return service, svc, path, nil
}

// Route maps an action name onto an addressable tool. A dotted name must
// resolve as-is; a bare name (send_email, create_invoice) matches the first
// service, in sorted order, that exposes an endpoint of that name. This is
// how approval records, which carry bare action names, reach their service.
func (r *Registry) Route(action string) (string, error) {
	if strings.Contains(action, ".") {
		if _, _, _, err := r.Resolve(action); err != nil {
			return "", err
		}
		return action, nil
	}
	names := make([]string, 0, len(r.Services))
	for name := range r.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, ok := r.Services[name].Endpoints[action]; ok {
			return name + "." + action, nil
		}
	}
	return "", fmt.Errorf("no registered service exposes endpoint %q", action)
}

// Tools lists every addressable tool name, sorted.
func (r *Registry) Tools() []string {
	var tools []string
	for name, svc := range r.Services {
		for ep := range svc.Endpoints {
			tools = append(tools, name+"."+ep)
		}
	}
	sort.Strings(tools)
	return tools
}
