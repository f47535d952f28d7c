// Package main generates JSON Schemas for propagate's operator-facing
// formats: the config file, the service dependency map, and the webhook
// event payloads downstream consumers subscribe to.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/tidemark-io/propagate/internal/config"
	"github.com/tidemark-io/propagate/internal/notify"
	"github.com/tidemark-io/propagate/internal/servicemap"
)

// Schema represents a JSON Schema.
type Schema struct {
	Schema               string             `json:"$schema,omitempty"`
	Title                string             `json:"title,omitempty"`
	Description          string             `json:"description,omitempty"`
	Type                 string             `json:"type,omitempty"`
	Properties           map[string]*Schema `json:"properties,omitempty"`
	Items                *Schema            `json:"items,omitempty"`
	AdditionalProperties *Schema            `json:"additionalProperties,omitempty"`
	Required             []string           `json:"required,omitempty"`
	Ref                  string             `json:"$ref,omitempty"`
	Definitions          map[string]*Schema `json:"definitions,omitempty"`
}

var outputDir string

func main() {
	flag.StringVar(&outputDir, "o", "docs/schemas", "Output directory for schemas")
	flag.Parse()

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating output directory: %v\n", err)
		os.Exit(1)
	}

	targets := map[string]targetDoc{
		"config":            {config.Config{}, "The .propagate.yaml configuration file"},
		"service_map":       {servicemap.Map{}, "The service dependency map consumed by wave planning"},
		"pr_opened":         {notify.PROpenedEvent{}, "Webhook body posted when a remediation PR opens"},
		"recovery_complete": {notify.RecoveryCompleteEvent{}, "Webhook body posted when every job of a change is green"},
	}

	for name, target := range targets {
		schema := generateSchema(name, target)
		if err := writeSchema(name, schema); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing schema for %s: %v\n", name, err)
			os.Exit(1)
		}

		fmt.Printf("Generated schema for %s\n", name)
	}

	fmt.Println("All schemas generated successfully")
}

type targetDoc struct {
	value any
	doc   string
}

func generateSchema(name string, target targetDoc) *Schema {
	defs := make(map[string]*Schema)

	t := reflect.TypeOf(target.value)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	var schema *Schema

	if t.Kind() == reflect.Struct {
		props, required := structToProperties(t, defs)
		schema = &Schema{Type: "object", Properties: props, Required: required}
	} else {
		schema = typeToSchema(t, defs)
	}

	schema.Schema = "https://json-schema.org/draft-07/schema#"
	schema.Title = name
	schema.Description = target.doc

	if len(defs) > 0 {
		schema.Definitions = defs
	}

	return schema
}

func structToProperties(t reflect.Type, defs map[string]*Schema) (map[string]*Schema, []string) {
	props := make(map[string]*Schema)

	var required []string

	for i := range t.NumField() {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}

		name, omitempty, ok := fieldName(field)
		if !ok {
			continue
		}

		props[name] = typeToSchema(field.Type, defs)

		if !omitempty {
			required = append(required, name)
		}
	}

	return props, required
}

// fieldName picks the wire name of a field, preferring json, then yaml,
// then mapstructure tags. Untagged exported fields are skipped.
func fieldName(field reflect.StructField) (name string, omitempty, ok bool) {
	for _, tag := range []string{"json", "yaml", "mapstructure"} {
		v, found := field.Tag.Lookup(tag)
		if !found {
			continue
		}

		parts := strings.Split(v, ",")

		name = strings.TrimSpace(parts[0])
		if name == "-" || name == "" {
			return "", false, false
		}

		omitempty = len(parts) > 1 && strings.TrimSpace(parts[1]) == "omitempty"

		return name, omitempty, true
	}

	return "", false, false
}

func typeToSchema(t reflect.Type, defs map[string]*Schema) *Schema {
	// Durations live in YAML as strings like "30s"; timestamps are
	// RFC 3339 strings.
	if t == reflect.TypeOf(time.Duration(0)) {
		return &Schema{Type: "string", Description: "Go duration string"}
	}

	if t == reflect.TypeOf(time.Time{}) {
		return &Schema{Type: "string", Description: "RFC 3339 timestamp"}
	}

	switch t.Kind() {
	case reflect.String:
		return &Schema{Type: "string"}

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return &Schema{Type: "integer"}

	case reflect.Float32, reflect.Float64:
		return &Schema{Type: "number"}

	case reflect.Bool:
		return &Schema{Type: "boolean"}

	case reflect.Slice, reflect.Array:
		return &Schema{Type: "array", Items: typeToSchema(t.Elem(), defs)}

	case reflect.Map:
		return &Schema{Type: "object", AdditionalProperties: typeToSchema(t.Elem(), defs)}

	case reflect.Struct:
		defName := t.Name()
		if defName == "" {
			props, required := structToProperties(t, defs)

			return &Schema{Type: "object", Properties: props, Required: required}
		}

		if _, exists := defs[defName]; !exists {
			// Reserve the slot first so self-referencing structs terminate.
			def := &Schema{Type: "object"}
			defs[defName] = def
			def.Properties, def.Required = structToProperties(t, defs)
		}

		return &Schema{Ref: "#/definitions/" + defName}

	case reflect.Pointer:
		return typeToSchema(t.Elem(), defs)

	default:
		return &Schema{Type: "object"}
	}
}

func writeSchema(name string, schema *Schema) error {
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}

	path := filepath.Join(outputDir, name+".json")

	return os.WriteFile(path, data, 0o600)
}
