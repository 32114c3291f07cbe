package catalog

import (
	"github.com/invopop/jsonschema"
)

// Schema reflects the JSON schema of a catalog document. Editors use it to
// validate YAML catalogs, so unknown fields are rejected just like Load
// rejects them.
func Schema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(Document))
	schema.Title = "Build Calculator Catalog"
	schema.Description = "Gear, skills, relics, constellations, bells, statuses and world tiers consumed by the contribution adapters."
	return schema
}
