package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// settingsSchema 约束配置文件的结构，在默认值填充前对原始配置做校验。
const settingsSchema = `{
  "type": "object",
  "properties": {
    "include": {"type": "array", "items": {"type": "string"}},
    "app": {
      "type": "object",
      "properties": {
        "log_level": {"enum": ["debug", "info", "warn", "warning", "error"]},
        "log_format": {"enum": ["text", "json"]}
      }
    },
    "store": {
      "type": "object",
      "properties": {
        "driver": {"enum": ["sqlite", "postgres"]},
        "batch_size": {"type": "integer", "minimum": 1, "maximum": 1000}
      }
    },
    "ingest": {
      "type": "object",
      "properties": {
        "instruments": {"type": "array", "items": {"type": "string", "minLength": 1}},
        "pause_threshold": {"type": "integer", "minimum": 1},
        "max_retries": {"type": "integer", "minimum": 0},
        "breaker_threshold": {"type": "integer", "minimum": 0}
      }
    },
    "granularities": {
      "type": "object",
      "propertyNames": {"enum": ["minute", "hour", "day"]},
      "additionalProperties": {
        "type": "object",
        "properties": {
          "policy": {"enum": ["once", "forever"]},
          "direction": {"enum": ["backward", "forward"]},
          "chunk_size": {"type": "integer", "minimum": 1},
          "loops": {"type": "integer", "minimum": 1}
        }
      }
    },
    "sources": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "priority": {"type": "integer"},
          "max_calls_per_minute": {"type": "integer", "minimum": 1},
          "safety_fraction": {"type": "number", "exclusiveMinimum": 0, "maximum": 1}
        }
      }
    },
    "ratelimit": {
      "type": "object",
      "properties": {
        "backend": {"enum": ["memory", "redis"]},
        "throttle_factor": {"type": "number", "minimum": 1}
      }
    }
  }
}`

var compiledSettingsSchema = mustCompileSchema(settingsSchema)

func mustCompileSchema(raw string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("config.json", strings.NewReader(raw)); err != nil {
		panic(fmt.Sprintf("config schema invalid: %v", err))
	}
	schema, err := compiler.Compile("config.json")
	if err != nil {
		panic(fmt.Sprintf("config schema invalid: %v", err))
	}
	return schema
}

// validateSettings 用 JSON Schema 校验 viper 合并后的原始配置。
func validateSettings(settings map[string]any) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode config for schema check failed: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("decode config for schema check failed: %w", err)
	}
	if err := compiledSettingsSchema.Validate(doc); err != nil {
		return fmt.Errorf("config schema validation failed: %w", err)
	}
	return nil
}
