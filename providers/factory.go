package providers

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ferro-labs/llm-bridge/internal/events"
	"github.com/ferro-labs/llm-bridge/internal/fault"
	"github.com/ferro-labs/llm-bridge/internal/session"
	"github.com/ferro-labs/llm-bridge/internal/store"
)

// Deps carries the shared services stateful providers need. Pass-through
// providers ignore them.
type Deps struct {
	Sessions    *session.Manager
	Credentials *store.CredentialRepo
	Models      *store.ModelRepo
	Bus         *events.Bus
}

// constructor builds a provider instance from its store row config.
type constructor func(id string, config map[string]string, sensitive map[string]bool, deps Deps) (Provider, error)

// descriptor defines one provider type: how to build it and what config
// it requires.
type descriptor struct {
	requiredConfig []string
	schema         *jsonschema.Schema
	build          constructor
}

// Factory maps provider types to constructors and validates config
// against each type's schema before construction.
type Factory struct {
	deps  Deps
	types map[string]descriptor
}

// NewFactory returns a factory over the built-in provider types.
func NewFactory(deps Deps) *Factory {
	return &Factory{
		deps: deps,
		types: map[string]descriptor{
			TypeOpenAI: {
				requiredConfig: []string{"baseURL"},
				schema:         mustSchema(openAIConfigSchema),
				build: func(id string, config map[string]string, sensitive map[string]bool, _ Deps) (Provider, error) {
					return newOpenAI(id, config, sensitive)
				},
			},
			TypeOpenAILocal: {
				requiredConfig: nil, // baseURL defaults to localhost
				schema:         mustSchema(localConfigSchema),
				build: func(id string, config map[string]string, sensitive map[string]bool, _ Deps) (Provider, error) {
					return newLocal(id, config, sensitive)
				},
			},
			TypeQwenWeb: {
				requiredConfig: []string{"baseURL"},
				schema:         mustSchema(qwenWebConfigSchema),
				build:          newQwenWeb,
			},
		},
	}
}

// Types returns the known provider type tags.
func (f *Factory) Types() []string {
	out := make([]string, 0, len(f.types))
	for t := range f.types {
		out = append(out, t)
	}
	return out
}

// Knows reports whether typ is a registered provider type.
func (f *Factory) Knows(typ string) bool {
	_, ok := f.types[typ]
	return ok
}

// Build validates the config for the given type and constructs an
// instance.
func (f *Factory) Build(id, typ string, config map[string]string, sensitive map[string]bool) (Provider, error) {
	desc, ok := f.types[typ]
	if !ok {
		return nil, fault.Newf(fault.KindValidation, "unknown provider type %q", typ)
	}
	var missing []string
	for _, key := range desc.requiredConfig {
		if config[key] == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, fault.Newf(fault.KindValidation, "provider type %q requires config keys: %s",
			typ, strings.Join(missing, ", "))
	}
	if err := validateConfigSchema(desc.schema, config); err != nil {
		return nil, err
	}
	return desc.build(id, config, sensitive, f.deps)
}

func validateConfigSchema(schema *jsonschema.Schema, config map[string]string) error {
	doc := make(map[string]any, len(config))
	for k, v := range config {
		doc[k] = v
	}
	if err := schema.Validate(doc); err != nil {
		return fault.Wrap(fault.KindValidation, "provider config does not match schema", err)
	}
	return nil
}

func mustSchema(raw string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("config.json", strings.NewReader(raw)); err != nil {
		panic(err)
	}
	schema, err := compiler.Compile("config.json")
	if err != nil {
		panic(err)
	}
	return schema
}

// Config schemas. Values arrive as strings from provider_configs rows;
// numeric keys are validated by pattern.
const (
	openAIConfigSchema = `{
		"type": "object",
		"properties": {
			"baseURL": {"type": "string", "minLength": 1},
			"apiKey": {"type": "string"},
			"defaultModel": {"type": "string"},
			"timeout": {"type": "string", "pattern": "^[0-9]*$"}
		},
		"required": ["baseURL"]
	}`

	localConfigSchema = `{
		"type": "object",
		"properties": {
			"baseURL": {"type": "string"},
			"defaultModel": {"type": "string"},
			"timeout": {"type": "string", "pattern": "^[0-9]*$"}
		}
	}`

	qwenWebConfigSchema = `{
		"type": "object",
		"properties": {
			"baseURL": {"type": "string", "minLength": 1},
			"defaultModel": {"type": "string"},
			"timeout": {"type": "string", "pattern": "^[0-9]*$"}
		},
		"required": ["baseURL"]
	}`
)

// ------------------------------------------------------- request context ----

// PayloadRecorder receives the translated upstream request body between
// translation and the upstream dial, so the audit trail can capture it
// while the request row is still mutable.
type PayloadRecorder func(payload string) error

type payloadRecorderKey struct{}

// WithPayloadRecorder attaches a PayloadRecorder to the context.
func WithPayloadRecorder(ctx context.Context, fn PayloadRecorder) context.Context {
	return context.WithValue(ctx, payloadRecorderKey{}, fn)
}

func payloadRecorderFrom(ctx context.Context) PayloadRecorder {
	fn, _ := ctx.Value(payloadRecorderKey{}).(PayloadRecorder)
	return fn
}

// MarshalConfigJSON renders a masked config for diagnostics.
func MarshalConfigJSON(p Provider) string {
	b, err := json.Marshal(p.Config())
	if err != nil {
		return "{}"
	}
	return string(b)
}
