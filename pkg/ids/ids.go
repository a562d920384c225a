// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ids validates identifiers in the adapter namespace.
//
// Adapter registrations live in a reserved ID namespace of the form
// "adapter:{type}:{instance}". Race IDs must never use it, and adapter
// endpoints must never accept anything outside it. All ingress paths go
// through these validators so the two namespaces cannot bleed into each
// other or into storage keys.
package ids

import (
	"fmt"
	"regexp"
	"strings"
)

// AdapterPrefix is the reserved ID prefix for adapter registrations.
const AdapterPrefix = "adapter:"

// adapterTypePattern matches adapter type names: lowercase alphanumerics
// and hyphens, 1-64 characters (e.g. "gitlab", "claude-code", "ics-manual").
var adapterTypePattern = regexp.MustCompile(`^[a-z0-9-]{1,64}$`)

// instancePattern matches adapter instance IDs: alphanumerics, hyphens and
// underscores, 1-64 characters. Case is preserved (hostnames, PIDs).
var instancePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// AdapterID is a parsed adapter identifier.
type AdapterID struct {
	Type     string
	Instance string
}

// String renders the canonical "adapter:{type}:{instance}" form.
func (a AdapterID) String() string {
	return AdapterPrefix + a.Type + ":" + a.Instance
}

// IsAdapterID reports whether id sits in the reserved adapter namespace.
// It checks only the prefix; use ParseAdapterID for full validation.
func IsAdapterID(id string) bool {
	return strings.HasPrefix(id, AdapterPrefix)
}

// ValidateAdapterType validates the type segment of an adapter ID.
func ValidateAdapterType(adapterType string) error {
	if adapterType == "" {
		return fmt.Errorf("adapter type cannot be empty")
	}
	if !adapterTypePattern.MatchString(adapterType) {
		return fmt.Errorf("invalid adapter type %q (must be 1-64 lowercase alphanumeric chars or hyphens)", adapterType)
	}
	return nil
}

// ValidateInstance validates the instance segment of an adapter ID.
func ValidateInstance(instance string) error {
	if instance == "" {
		return fmt.Errorf("instance ID cannot be empty")
	}
	if !instancePattern.MatchString(instance) {
		return fmt.Errorf("invalid instance ID %q (must be 1-64 alphanumeric chars, hyphens, or underscores)", instance)
	}
	return nil
}

// NewAdapterID builds a validated AdapterID from its segments.
func NewAdapterID(adapterType, instance string) (AdapterID, error) {
	if err := ValidateAdapterType(adapterType); err != nil {
		return AdapterID{}, err
	}
	if err := ValidateInstance(instance); err != nil {
		return AdapterID{}, err
	}
	return AdapterID{Type: adapterType, Instance: instance}, nil
}

// ParseAdapterID parses and validates a full "adapter:{type}:{instance}" ID.
//
// Returns an error if the prefix is missing, a segment is empty, or either
// segment fails its pattern. The instance segment may not itself contain
// colons, so the format is unambiguous.
func ParseAdapterID(id string) (AdapterID, error) {
	if !strings.HasPrefix(id, AdapterPrefix) {
		return AdapterID{}, fmt.Errorf("adapter ID %q missing %q prefix", id, AdapterPrefix)
	}
	rest := strings.TrimPrefix(id, AdapterPrefix)
	parts := strings.Split(rest, ":")
	if len(parts) != 2 {
		return AdapterID{}, fmt.Errorf("adapter ID %q must be adapter:{type}:{instance}", id)
	}
	return NewAdapterID(parts[0], parts[1])
}

// ValidateRaceID rejects race IDs that stray into the adapter namespace.
// An empty ID is allowed here; creation assigns a UUID for it.
func ValidateRaceID(id string) error {
	if IsAdapterID(id) {
		return fmt.Errorf("race ID %q uses the reserved %q prefix", id, AdapterPrefix)
	}
	return nil
}
