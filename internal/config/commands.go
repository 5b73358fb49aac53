package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// CommandSpec is one entry in the command table (spec §4.7.1), loaded from
// CommandsPath. Handler names resolve against a static registry built into
// the coordinator; an unknown handler name is fatal at load (spec §9).
type CommandSpec struct {
	Handler string   `yaml:"handler" json:"handler"`
	Info    string   `yaml:"info" json:"info"`
	Usage   []string `yaml:"usage" json:"usage,omitempty"`
	Success string   `yaml:"success" json:"success,omitempty"`
	Failure string   `yaml:"failure" json:"failure,omitempty"`
	Hidden  bool     `yaml:"hidden" json:"hidden,omitempty"`
}

// CommandTable maps a command's canonical key (lowercased, punctuation
// stripped) to its spec.
type CommandTable map[string]CommandSpec

// commandTableSchemaJSON constrains every entry's "handler" field to the
// registry of handlers the coordinator actually implements, so a typo or a
// removed handler fails fast at load rather than silently at dispatch time.
const commandTableSchemaJSON = `{
	"type": "object",
	"additionalProperties": {
		"type": "object",
		"required": ["handler"],
		"properties": {
			"handler": {
				"type": "string",
				"enum": [
					"hi", "help", "add_to_blacklist", "remove_from_blacklist",
					"positive_response", "negative_response", "ignore", "test"
				]
			},
			"info": {"type": "string"},
			"usage": {"type": "array", "items": {"type": "string"}},
			"success": {"type": "string"},
			"failure": {"type": "string"},
			"hidden": {"type": "boolean"}
		}
	}
}`

var commandTableSchema = compileCommandTableSchema()

func compileCommandTableSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(commandTableSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("config: built-in command schema is invalid JSON: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("commands.json", doc); err != nil {
		panic(fmt.Sprintf("config: built-in command schema failed to register: %v", err))
	}
	schema, err := c.Compile("commands.json")
	if err != nil {
		panic(fmt.Sprintf("config: built-in command schema failed to compile: %v", err))
	}
	return schema
}

// LoadCommands reads the command table and validates it against
// commandTableSchema, which rejects unknown handler names the same way
// knownHandlers used to, plus any other structural error (wrong type for
// usage, etc.) in one pass.
func LoadCommands(path string) (CommandTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading commands %s: %w", path, err)
	}
	var table CommandTable
	if err := yaml.Unmarshal(raw, &table); err != nil {
		return nil, fmt.Errorf("config: parsing commands %s: %w", path, err)
	}

	asJSON, err := json.Marshal(table)
	if err != nil {
		return nil, fmt.Errorf("config: re-encoding commands %s for validation: %w", path, err)
	}
	instance, err := jsonschema.UnmarshalJSON(strings.NewReader(string(asJSON)))
	if err != nil {
		return nil, fmt.Errorf("config: decoding commands %s for validation: %w", path, err)
	}
	if err := commandTableSchema.Validate(instance); err != nil {
		return nil, fmt.Errorf("config: commands %s failed validation: %w", path, err)
	}
	return table, nil
}

// DefaultCommands is the built-in command table used when no external
// commands.yaml customizes it further, mirroring bot.py's DEFAULT_COMMAND
// table.
func DefaultCommands() CommandTable {
	return CommandTable{
		"hi": {
			Handler: "hi",
			Info:    "Says hello.",
		},
		"help": {
			Handler: "help",
			Info:    "Lists available commands.",
			Usage:   []string{"help [-a]"},
		},
		"add_to_blacklist": {
			Handler: "add_to_blacklist",
			Info:    "Adds yourself to the blacklist.",
			Success: "You have been added to the blacklist.",
			Failure: "You are already on the blacklist.",
			Hidden:  true,
		},
		"remove_from_blacklist": {
			Handler: "remove_from_blacklist",
			Info:    "Removes yourself from the blacklist.",
			Success: "You have been removed from the blacklist.",
			Failure: "You are not on the blacklist.",
			Hidden:  true,
		},
		"yes": {
			Handler: "positive_response",
			Info:    "Confirms that you performed the alerted action.",
			Usage:   []string{"yes [comment...]"},
		},
		"no": {
			Handler: "negative_response",
			Info:    "Denies that you performed the alerted action.",
			Usage:   []string{"no [comment...]"},
		},
		"ignore": {
			Handler: "ignore",
			Info:    "Suppresses an alert title for a duration.",
			Usage:   []string{"ignore last|current <duration, e.g. 1h30m>"},
			Success: "Ignoring that alert for the requested duration.",
			Failure: "Could not ignore that alert.",
		},
		"test": {
			Handler: "test",
			Info:    "Creates a self-addressed test alert.",
			Success: "Test alert created.",
			Hidden:  true,
		},
	}
}
