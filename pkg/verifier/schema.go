package verifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const commandSchemaURL = "https://ransomeye.local/schemas/command.schema.json"

// commandSchema is the wire contract of a signed command as the host
// accepts it. Unknown fields are refused.
const commandSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["command_id", "kind", "action_id", "target_id", "incident_id",
    "issued_by_user_id", "issued_by_role", "mode_at_issuance", "issued_at",
    "expires_at", "signing_key_id", "signature"],
  "properties": {
    "command_id": {"type": "string", "format": "uuid"},
    "kind": {"enum": ["EXECUTE", "ROLLBACK"]},
    "action_id": {"enum": ["BLOCK_PROCESS", "BLOCK_NETWORK_CONNECTION", "TEMPORARY_FIREWALL_RULE",
      "QUARANTINE_FILE", "ISOLATE_HOST", "LOCK_USER", "DISABLE_SERVICE", "MASS_PROCESS_KILL",
      "NETWORK_SEGMENT_ISOLATION"]},
    "target_id": {"type": "string", "minLength": 1, "maxLength": 256},
    "incident_id": {"type": "string", "minLength": 1, "maxLength": 256},
    "issued_by_user_id": {"type": "string", "minLength": 1, "maxLength": 256},
    "issued_by_role": {"type": "string", "minLength": 1},
    "mode_at_issuance": {"enum": ["DRY_RUN", "GUARDED_EXEC", "FULL_ENFORCE"]},
    "approval_id": {"type": "string", "format": "uuid"},
    "rollback_of": {"type": "string", "format": "uuid"},
    "issued_at": {"type": "string", "format": "date-time"},
    "expires_at": {"type": "string", "format": "date-time"},
    "signing_key_id": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
    "signature": {"type": "string", "minLength": 1}
  },
  "if": {"properties": {"kind": {"const": "ROLLBACK"}}},
  "then": {"required": ["rollback_of"]}
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func loadSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		c.AssertFormat = true
		if err := c.AddResource(commandSchemaURL, strings.NewReader(commandSchema)); err != nil {
			schemaErr = fmt.Errorf("command schema load failed: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(commandSchemaURL)
	})
	return compiledSchema, schemaErr
}

// validateSchema checks raw against the command schema. It is the only
// step that sees the payload before it is decoded.
func validateSchema(raw []byte) error {
	s, err := loadSchema()
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	if dec.More() {
		return fmt.Errorf("trailing data after command")
	}
	return s.Validate(doc)
}

// peekCommandID pulls command_id out of a payload that may not validate,
// so a rejection receipt can still name the command.
func peekCommandID(raw []byte) string {
	var head struct {
		CommandID string `json:"command_id"`
	}
	if json.Unmarshal(raw, &head) != nil {
		return ""
	}
	if len(head.CommandID) > 64 {
		return ""
	}
	return head.CommandID
}
