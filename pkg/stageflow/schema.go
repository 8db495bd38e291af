package stageflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"
	"gopkg.in/yaml.v3"

	schemasassets "github.com/3leaps/pcflow/internal/assets/schemas"
)

// ErrSchemaValidation indicates a flow definition failed schema validation.
var ErrSchemaValidation = errors.New("flow definition schema validation failed")

var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// SchemaViolation is a single schema problem in a definition file.
type SchemaViolation struct {
	// Path is the JSON pointer of the offending field, e.g. "/stages/1/timeout".
	Path    string
	Message string
}

func (v SchemaViolation) Error() string {
	if v.Path == "" {
		return v.Message
	}
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// SchemaViolations collects every problem found in one definition.
type SchemaViolations []SchemaViolation

func (e SchemaViolations) Error() string {
	if len(e) == 1 {
		return "flow definition: " + e[0].Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "flow definition has %d schema violations:", len(e))
	for _, v := range e {
		b.WriteString("\n  - ")
		b.WriteString(v.Error())
	}
	return b.String()
}

func (e SchemaViolations) Unwrap() error { return ErrSchemaValidation }

// ValidateDefinition checks a YAML or JSON definition against the embedded
// flow definition schema.
func ValidateDefinition(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse flow definition: %w", err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("flow definition is not representable as JSON: %w", err)
	}

	v, err := definitionValidator()
	if err != nil {
		return err
	}
	diags, err := v.ValidateJSON(raw)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	var errs SchemaViolations
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			errs = append(errs, SchemaViolation{Path: d.Pointer, Message: d.Message})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func definitionValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		validator, validatorErr = schema.NewValidator(schemasassets.FlowDefinitionSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("failed to compile flow definition schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}
