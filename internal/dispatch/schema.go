package dispatch

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/agentworkforce/driveindex/internal/reconcile"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed action.schema.json
var actionSchemaJSON []byte

const actionSchemaURL = "https://github.com/agentworkforce/driveindex/action.schema.json"

var ErrInvalidAction = errors.New("invalid action request")

type actionValidator struct {
	schema *jsonschema.Schema
}

func newActionValidator() (*actionValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(actionSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("parse action schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(actionSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add action schema: %w", err)
	}
	schema, err := compiler.Compile(actionSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile action schema: %w", err)
	}
	return &actionValidator{schema: schema}, nil
}

func (v *actionValidator) validate(req reconcile.ActionRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	if err := v.schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrInvalidAction, req.Kind, req.SourceID, err)
	}
	return nil
}
