// Package schemasassets provides embedded JSON schemas for pcflow files.
//
// Schemas are embedded at compile time so validation works regardless of
// the working directory or installation location.
package schemasassets

import _ "embed"

// FlowDefinitionSchema is the schema of flow definition files.
//
//go:embed flow-definition.schema.json
var FlowDefinitionSchema []byte
