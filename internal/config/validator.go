package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/hatago-mcp/hatago/internal/domain/upstream"
)

// Validate validates the config using struct tags and cross-field
// rules. Returns an error with actionable messages on failure.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	for id, sc := range c.MCPServers {
		spec := specFromServer(id, sc)
		if err := spec.Validate(); err != nil {
			return fmt.Errorf("mcpServers.%s: %w", id, err)
		}
	}

	if err := c.validateAllowNet(); err != nil {
		return err
	}
	return nil
}

// validateAllowNet ensures every remote upstream host is covered by the
// allow list when one is configured.
func (c *Config) validateAllowNet() error {
	if len(c.Security.AllowNet) == 0 {
		return nil
	}

	for id, sc := range c.MCPServers {
		if sc.URL == "" || sc.Disabled {
			continue
		}
		parsed, err := url.Parse(sc.URL)
		if err != nil {
			continue // spec validation already rejected it
		}
		if !hostAllowed(parsed.Hostname(), c.Security.AllowNet) {
			return fmt.Errorf("mcpServers.%s: host %q is not in security.allowNet", id, parsed.Hostname())
		}
	}
	return nil
}

// hostAllowed matches a host against the allow list. Entries starting
// with "*." match any subdomain.
func hostAllowed(host string, allow []string) bool {
	for _, a := range allow {
		if a == host {
			return true
		}
		if suffix, ok := strings.CutPrefix(a, "*."); ok {
			if host == suffix || strings.HasSuffix(host, "."+suffix) {
				return true
			}
		}
	}
	return false
}

// ValidateSpecs runs per-upstream validation without the struct tags,
// used by the reloader against an already-parsed config.
func ValidateSpecs(specs []*upstream.Spec) error {
	seen := make(map[string]struct{}, len(specs))
	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return fmt.Errorf("server %s: %w", spec.ID, err)
		}
		if _, dup := seen[spec.ID]; dup {
			return fmt.Errorf("server %s: duplicate id", spec.ID)
		}
		seen[spec.ID] = struct{}{}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to
// user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "eq":
		return fmt.Sprintf("%s must equal %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname|ip":
		return fmt.Sprintf("%s must be a valid hostname or IP", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
