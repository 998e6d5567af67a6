package pushserver

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// inboundMessageSchemaJSON describes the InboundMessage/TaskInput shape
// accepted on the push endpoint. Kept inline rather than loaded from
// disk: it is small, versioned with the code, and the relay ships as a
// single static binary.
const inboundMessageSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["messageId", "input"],
	"properties": {
		"messageId": {"type": "string", "minLength": 1},
		"sentAtMs": {"type": "integer"},
		"input": {
			"type": "object",
			"required": ["kind"],
			"properties": {
				"kind": {"type": "string", "enum": ["chat", "handshake", "session_new"]},
				"sessionKey": {"type": "string"},
				"messageText": {"type": "string"},
				"nonce": {"type": "string"},
				"media": {
					"type": "array",
					"items": {
						"type": "object",
						"required": ["kind", "name", "contentType", "dataBase64"],
						"properties": {
							"kind": {"type": "string", "enum": ["audio", "file"]},
							"name": {"type": "string"},
							"contentType": {"type": "string"},
							"dataBase64": {"type": "string"}
						}
					}
				}
			},
			"allOf": [
				{
					"if": {"properties": {"kind": {"const": "chat"}}},
					"then": {"required": ["sessionKey", "messageText"]}
				},
				{
					"if": {"properties": {"kind": {"const": "handshake"}}},
					"then": {"required": ["nonce"]}
				}
			]
		}
	}
}`

func compileInboundMessageSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("inbound-message.json", mustDecode(inboundMessageSchemaJSON)); err != nil {
		return nil, fmt.Errorf("pushserver: add schema resource: %w", err)
	}
	schema, err := c.Compile("inbound-message.json")
	if err != nil {
		return nil, fmt.Errorf("pushserver: compile schema: %w", err)
	}
	return schema, nil
}

func mustDecode(raw string) interface{} {
	v, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(raw)))
	if err != nil {
		panic(fmt.Sprintf("pushserver: embedded schema is invalid JSON: %v", err))
	}
	return v
}
