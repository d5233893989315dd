package ipc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// schemaSource holds the embedded JSON Schema text for each IPC payload
// type (the authorization matrix's "Required payload" column, translated
// into schema form rather than ad hoc field checks).
var schemaSource = map[string]string{
	"message": `{
		"type": "object",
		"required": ["type", "chatJid", "text"],
		"properties": {
			"type": {"const": "message"},
			"chatJid": {"type": "string", "minLength": 1},
			"text": {"type": "string", "minLength": 1}
		}
	}`,
	"schedule_task": `{
		"type": "object",
		"required": ["type", "prompt", "schedule_type", "schedule_value", "targetJid"],
		"properties": {
			"type": {"const": "schedule_task"},
			"prompt": {"type": "string", "minLength": 1},
			"schedule_type": {"enum": ["cron", "interval", "once"]},
			"schedule_value": {"type": "string", "minLength": 1},
			"targetJid": {"type": "string", "minLength": 1},
			"contextMode": {"enum": ["group", "isolated"]}
		}
	}`,
	"pause_task": taskOpSchema("pause_task"),
	"resume_task": taskOpSchema("resume_task"),
	"cancel_task": taskOpSchema("cancel_task"),
	"register_group": `{
		"type": "object",
		"required": ["type", "jid", "name", "folder"],
		"properties": {
			"type": {"const": "register_group"},
			"jid": {"type": "string", "minLength": 1},
			"name": {"type": "string", "minLength": 1},
			"folder": {"type": "string", "minLength": 1},
			"trigger": {"type": "string"},
			"containerConfig": {"type": "object"}
		}
	}`,
}

func taskOpSchema(typeName string) string {
	return fmt.Sprintf(`{
		"type": "object",
		"required": ["type", "taskId"],
		"properties": {
			"type": {"const": %q},
			"taskId": {"type": "string", "minLength": 1}
		}
	}`, typeName)
}

var (
	compileOnce sync.Once
	schemas     map[string]*jsonschema.Schema
	compileErr  error
)

func compiledSchemas() (map[string]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		for name, src := range schemaSource {
			resource := name + ".json"
			if err := compiler.AddResource(resource, strings.NewReader(src)); err != nil {
				compileErr = fmt.Errorf("add ipc schema resource %q: %w", name, err)
				return
			}
		}
		schemas = make(map[string]*jsonschema.Schema, len(schemaSource))
		for name := range schemaSource {
			resource := name + ".json"
			compiled, err := compiler.Compile(resource)
			if err != nil {
				compileErr = fmt.Errorf("compile ipc schema %q: %w", name, err)
				return
			}
			schemas[name] = compiled
		}
	})
	return schemas, compileErr
}

// validatePayload checks raw against the embedded JSON Schema for
// ipcType, returning a descriptive error when it fails validation or when
// ipcType has no registered schema.
func validatePayload(ipcType string, raw []byte) error {
	all, err := compiledSchemas()
	if err != nil {
		return fmt.Errorf("ipc schema compilation failed: %w", err)
	}
	schema, ok := all[ipcType]
	if !ok {
		return fmt.Errorf("no schema registered for ipc type %q", ipcType)
	}

	var doc any
	if err := json.NewDecoder(bytes.NewReader(raw)).Decode(&doc); err != nil {
		return fmt.Errorf("decode payload for schema validation: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("payload failed schema validation: %w", err)
	}
	return nil
}
