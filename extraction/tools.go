package extraction

import (
	"github.com/google/jsonschema-go/jsonschema"

	"github.com/becomeliminal/codemem/memory"
)

const (
	MemoryBatchToolName = "save_memories"
	UserProfileToolName = "save_user_profile"
)

// Scopes a captured memory may target.
var Scopes = []string{string(memory.ScopeUser), string(memory.ScopeProject)}

// MemoryBatchTool declares the function that returns captured memories.
func MemoryBatchTool(maxItems int) Tool {
	item := ObjectSchema(map[string]*jsonschema.Schema{
		"content": StringProperty("One self-contained fact, written so it is useful without the conversation."),
		"type":    StringEnumProperty("Category of the fact.", memory.Types...),
		"scope":   StringEnumProperty("user for personal preferences across projects, project for facts about this codebase.", Scopes...),
	}, "content", "type")

	return Tool{
		Name:        MemoryBatchToolName,
		Description: "Save facts worth remembering from the session. Pass an empty list when nothing is worth saving.",
		Schema: SchemaMap(ObjectSchema(map[string]*jsonschema.Schema{
			"memories": ArrayProperty("Facts to save.", item, maxItems),
		}, "memories")),
	}
}

// MemoryBatchRules validate MemoryBatchTool arguments.
var MemoryBatchRules = Rules{
	RequiredTop: []string{"memories"},
	Collections: map[string]ItemRule{
		"memories": {
			Required: []string{"content", "type"},
			Strings:  []string{"content", "type"},
			Enums: map[string][]string{
				"type":  memory.Types,
				"scope": Scopes,
			},
		},
	},
}

// UserProfileTool declares the function that returns a learned user profile.
func UserProfileTool() Tool {
	trait := func(what string) *jsonschema.Schema {
		return ObjectSchema(map[string]*jsonschema.Schema{
			"category":    StringProperty("Short category, e.g. testing, naming, tooling."),
			"description": StringProperty("The " + what + " in one sentence."),
			"confidence":  NumberProperty("How sure you are, from 0 to 1.", 0, 1),
			"evidence":    ArrayProperty("Quotes or observations supporting it.", StringProperty(""), 5),
		}, "category", "description", "confidence", "evidence")
	}
	workflow := ObjectSchema(map[string]*jsonschema.Schema{
		"description": StringProperty("What the workflow accomplishes."),
		"steps":       ArrayProperty("Ordered steps.", StringProperty(""), 10),
	}, "description", "steps")

	return Tool{
		Name:        UserProfileToolName,
		Description: "Save what the user's messages reveal about how they like to work.",
		Schema: SchemaMap(ObjectSchema(map[string]*jsonschema.Schema{
			"preferences": ArrayProperty("Stated or demonstrated preferences.", trait("preference"), 10),
			"patterns":    ArrayProperty("Recurring behaviors.", trait("pattern"), 10),
			"workflows":   ArrayProperty("Multi-step routines.", workflow, 5),
			"summary":     StringProperty("Two sentences describing the user as a developer."),
		})),
	}
}

var traitRule = ItemRule{
	Required:       []string{"category", "description", "confidence", "evidence"},
	Strings:        []string{"category", "description"},
	Numbers:        []string{"confidence"},
	NonEmptyArrays: []string{"evidence"},
}

// UserProfileRules validate UserProfileTool arguments.
var UserProfileRules = Rules{
	Collections: map[string]ItemRule{
		"preferences": traitRule,
		"patterns":    traitRule,
		"workflows": {
			Required:       []string{"description", "steps"},
			Strings:        []string{"description"},
			NonEmptyArrays: []string{"steps"},
		},
	},
}
