// Package capability maintains the hub's merged, namespaced view of
// upstream tools, resources, and prompts.
package capability

import (
	"fmt"
	"strings"
)

// Strategy selects how original names are mapped into the hub namespace.
type Strategy string

const (
	// StrategyNamespace suffixes the upstream id: "{name}{sep}{id}".
	StrategyNamespace Strategy = "namespace"
	// StrategyAlias prefixes the upstream id: "{id}{sep}{name}".
	StrategyAlias Strategy = "alias"
	// StrategyError performs no renaming; duplicate public names are
	// rejected at registration time.
	StrategyError Strategy = "error"
)

// DefaultSeparator joins upstream id and original name.
const DefaultSeparator = "_"

// NameMaxLength bounds original tool/prompt names.
const NameMaxLength = 200

// IDMaxLength bounds upstream ids entering the namespace.
const IDMaxLength = 100

// Naming is the hub-wide naming configuration.
type Naming struct {
	Strategy  Strategy
	Separator string
}

// withDefaults fills zero values.
func (n Naming) withDefaults() Naming {
	if n.Strategy == "" {
		n.Strategy = StrategyNamespace
	}
	if n.Separator == "" {
		n.Separator = DefaultSeparator
	}
	return n
}

// PublicName maps an (upstream id, original name) pair into the hub
// namespace under the configured strategy.
func (n Naming) PublicName(upstreamID, name string) string {
	n = n.withDefaults()
	switch n.Strategy {
	case StrategyAlias:
		return upstreamID + n.Separator + name
	case StrategyError:
		return name
	default:
		return name + n.Separator + upstreamID
	}
}

// PublicURI maps an (upstream id, original URI) pair into the hub
// namespace. Resources always carry the upstream id as a prefix so the
// original URI scheme stays intact.
func (n Naming) PublicURI(upstreamID, uri string) string {
	n = n.withDefaults()
	return upstreamID + n.Separator + uri
}

// ParsePublicName inverts PublicName. It returns the candidate
// (upstreamID, originalName) split, or ok=false when the strategy
// cannot reconstruct one. Callers must verify the candidate against the
// registry: the separator may legally occur inside ids and names, so a
// successful parse is only a hypothesis.
func (n Naming) ParsePublicName(public string) (upstreamID, name string, ok bool) {
	n = n.withDefaults()
	switch n.Strategy {
	case StrategyAlias:
		idx := strings.Index(public, n.Separator)
		if idx <= 0 || idx+len(n.Separator) >= len(public) {
			return "", "", false
		}
		return public[:idx], public[idx+len(n.Separator):], true
	case StrategyError:
		return "", "", false
	default:
		idx := strings.LastIndex(public, n.Separator)
		if idx <= 0 || idx+len(n.Separator) >= len(public) {
			return "", "", false
		}
		return public[idx+len(n.Separator):], public[:idx], true
	}
}

// ParsePublicURI inverts PublicURI.
func (n Naming) ParsePublicURI(public string) (upstreamID, uri string, ok bool) {
	n = n.withDefaults()
	idx := strings.Index(public, n.Separator)
	if idx <= 0 || idx+len(n.Separator) >= len(public) {
		return "", "", false
	}
	return public[:idx], public[idx+len(n.Separator):], true
}

// CheckBounds validates the length bounds a pair must satisfy before
// it may enter the namespace.
func CheckBounds(upstreamID, name string) error {
	if upstreamID == "" {
		return fmt.Errorf("upstream id is empty")
	}
	if len(upstreamID) > IDMaxLength {
		return fmt.Errorf("upstream id %q exceeds %d characters", truncate(upstreamID, 32), IDMaxLength)
	}
	if name == "" {
		return fmt.Errorf("name is empty")
	}
	if len(name) > NameMaxLength {
		return fmt.Errorf("name %q exceeds %d characters", truncate(name, 32), NameMaxLength)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
