package hostfuncs

import (
	"github.com/invopop/jsonschema"
)

// Schemas returns the JSON Schema of the params of every operation registered
// with a typed handler, keyed by operation name. Byte handlers carry no type
// and are omitted.
func (r *HandlerRegistry) Schemas() map[string]*jsonschema.Schema {
	reflector := jsonschema.Reflector{
		ExpandedStruct: true,
		DoNotReference: true,
	}

	out := make(map[string]*jsonschema.Schema)
	for _, name := range r.names {
		h := r.handlers[name]
		if h.params == nil {
			continue
		}
		schema := reflector.ReflectFromType(h.params)
		schema.Title = name
		schema.Description = h.Kind.String() + " operation params"
		out[name] = schema
	}
	return out
}
