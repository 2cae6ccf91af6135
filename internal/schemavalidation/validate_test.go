// Package schemavalidation checks that the published JSON Schemas accept
// the documented fixture instances, so the portable format and its schema
// cannot drift apart silently.
package schemavalidation

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type schemaCase struct {
	name         string
	schemaPath   string
	instancePath string
}

func TestSchemaValidation(t *testing.T) {
	root := repoRoot(t)
	cases := []schemaCase{
		{
			name:         "document-envelope",
			schemaPath:   filepath.Join(root, "docs", "schema", "document-envelope-v1.schema.json"),
			instancePath: filepath.Join(root, "docs", "fixtures", "document-envelope-v1.json"),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			validateInstance(t, tc.schemaPath, tc.instancePath)
		})
	}
}

func TestSchemaRejectsMalformedEnvelope(t *testing.T) {
	root := repoRoot(t)
	schema := compileSchema(t, filepath.Join(root, "docs", "schema", "document-envelope-v1.schema.json"))

	base, err := os.ReadFile(filepath.Join(root, "docs", "fixtures", "document-envelope-v1.json"))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}

	mutations := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"missing proofChain", func(m map[string]any) { delete(m, "proofChain") }},
		{"bad genesis hash", func(m map[string]any) {
			m["metadata"].(map[string]any)["genesisHash"] = "not-a-hash"
		}},
		{"short signature", func(m map[string]any) {
			m["metadata"].(map[string]any)["signature"] = []any{1.0, 2.0}
		}},
		{"wrong curve", func(m map[string]any) {
			m["metadata"].(map[string]any)["publicKey"].(map[string]any)["crv"] = "P-256"
		}},
	}

	for _, tc := range mutations {
		t.Run(tc.name, func(t *testing.T) {
			var instance map[string]any
			if err := json.Unmarshal(base, &instance); err != nil {
				t.Fatalf("unmarshal fixture: %v", err)
			}
			tc.mutate(instance)
			if err := schema.Validate(instance); err == nil {
				t.Error("mutated instance should fail validation")
			}
		})
	}
}

func validateInstance(t *testing.T, schemaPath, instancePath string) {
	t.Helper()

	instanceData, err := os.ReadFile(instancePath)
	if err != nil {
		t.Fatalf("read instance: %v", err)
	}

	var instance any
	if err := json.Unmarshal(instanceData, &instance); err != nil {
		t.Fatalf("unmarshal instance: %v", err)
	}

	if err := compileSchema(t, schemaPath).Validate(instance); err != nil {
		t.Fatalf("schema validation failed for %s: %v", filepath.Base(instancePath), err)
	}
}

func compileSchema(t *testing.T, schemaPath string) *jsonschema.Schema {
	t.Helper()

	schemaData, err := os.ReadFile(schemaPath)
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaPath, bytes.NewReader(schemaData)); err != nil {
		t.Fatalf("add schema resource: %v", err)
	}
	schema, err := compiler.Compile(schemaPath)
	if err != nil {
		t.Fatalf("compile schema: %v", err)
	}
	return schema
}

func repoRoot(t *testing.T) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("unable to resolve caller path")
	}
	return filepath.Clean(filepath.Join(filepath.Dir(file), "..", ".."))
}
