// Package jobs implements the durable Job Queue (§4.F-I): the Job Store,
// Worker Pool, Adaptive Limiter, and Job Type Registry.
package jobs

import (
	"encoding/json"

	"github.com/vtxmedia/vtx/internal/apperrors"
)

// Definition is a registered job type's shape (§4.I), grounded on
// original_source/src/runtime/job_registry.rs's JobDefinition.
type Definition struct {
	Type            string
	RequiredGroup   string // empty means no group restriction
	SchemaVersion   int
	Validate        func(payload map[string]any) error
	MigratePayload  func(payload map[string]any, fromVersion int) (map[string]any, error)
}

var registry = map[string]Definition{
	"noop": {
		Type:          "noop",
		SchemaVersion: 1,
		Validate:      func(map[string]any) error { return nil },
	},
	"scan-directory": {
		Type:          "scan-directory",
		RequiredGroup: "admin",
		SchemaVersion: 1,
		Validate:      validateScanDirectoryPayload,
		MigratePayload: migrateScanDirectoryPayload,
	},
}

// Lookup returns the definition for jobType, or an error if it was never
// registered.
func Lookup(jobType string) (Definition, error) {
	def, ok := registry[jobType]
	if !ok {
		return Definition{}, apperrors.UnsupportedJobType(jobType)
	}
	return def, nil
}

func validateScanDirectoryPayload(payload map[string]any) error {
	path, ok := payload["path"].(string)
	if !ok || path == "" {
		return apperrors.ManifestInvalid("scan-directory payload requires a non-empty path")
	}
	if len(path) > 2048 {
		return apperrors.ManifestInvalid("scan-directory path exceeds 2048 bytes")
	}
	return nil
}

// migrateScanDirectoryPayload renames the v0 "directory" key to v1's "path",
// mirroring job_registry.rs's migrate_payload for scan-directory.
func migrateScanDirectoryPayload(payload map[string]any, fromVersion int) (map[string]any, error) {
	if fromVersion >= 1 {
		return payload, nil
	}
	dir, ok := payload["directory"]
	if !ok {
		return nil, apperrors.ManifestInvalid("v0 scan-directory payload missing directory")
	}
	out := map[string]any{}
	for k, v := range payload {
		if k == "directory" {
			continue
		}
		out[k] = v
	}
	out["path"] = dir
	return out, nil
}

// NormalizePayload runs the two-phase check §4.I and §9 require: reject a
// payload whose version exceeds what's registered, migrate a payload whose
// version is older, and validate the result either way.
func NormalizePayload(def Definition, payload map[string]any, payloadVersion int) (map[string]any, error) {
	if payloadVersion > def.SchemaVersion {
		return nil, apperrors.UnsupportedPayloadVersion(payloadVersion)
	}
	normalized := payload
	if payloadVersion < def.SchemaVersion && def.MigratePayload != nil {
		migrated, err := def.MigratePayload(payload, payloadVersion)
		if err != nil {
			return nil, err
		}
		normalized = migrated
	}
	if def.Validate != nil {
		if err := def.Validate(normalized); err != nil {
			return nil, err
		}
	}
	return normalized, nil
}

// DecodePayload unmarshals a stored payload column into a generic map.
func DecodePayload(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, apperrors.ManifestInvalid("payload is not valid JSON")
	}
	return out, nil
}

// EncodePayload marshals a normalized payload back to its stored form.
func EncodePayload(payload map[string]any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeManifestInvalid, "encoding payload", err)
	}
	return string(raw), nil
}

// ValidateSubmission runs the group check then NormalizePayload, mirroring
// validate_job_submission in job_registry.rs. callerGroups is the set of
// groups the submitting identity belongs to.
func ValidateSubmission(jobType string, payloadVersion int, payload map[string]any, callerGroups map[string]bool) (map[string]any, error) {
	def, err := Lookup(jobType)
	if err != nil {
		return nil, err
	}
	if def.RequiredGroup != "" && !callerGroups[def.RequiredGroup] {
		return nil, apperrors.PermissionDenied()
	}
	return NormalizePayload(def, payload, payloadVersion)
}
