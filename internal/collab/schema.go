package collab

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mtzanidakis/minions/internal/protocol"
	"github.com/mtzanidakis/minions/internal/schema"
)

// SchemaInvoker only forwards calls for known tools whose arguments match
// the tool's schema.
type SchemaInvoker struct {
	inner   ToolInvoker
	schemas map[string]*schema.Schema
}

// NewSchemaInvoker compiles the schema of every tool capability.
func NewSchemaInvoker(inner ToolInvoker, tools []protocol.Capability) (*SchemaInvoker, error) {
	si := &SchemaInvoker{inner: inner, schemas: make(map[string]*schema.Schema, len(tools))}
	for _, t := range tools {
		s, err := schema.Compile(t.Name, t.Schema)
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", t.Name, err)
		}
		si.schemas[t.Name] = s
	}
	return si, nil
}

// Has reports whether tool is served by this invoker.
func (si *SchemaInvoker) Has(tool string) bool {
	_, ok := si.schemas[tool]
	return ok
}

// Check validates args without invoking the tool.
func (si *SchemaInvoker) Check(tool string, args json.RawMessage) error {
	s, ok := si.schemas[tool]
	if !ok {
		return &ToolError{Tool: tool, Kind: KindUnknownTool, Detail: "not available on this agent"}
	}
	if err := s.Validate(args); err != nil {
		return &ToolError{Tool: tool, Kind: KindInvalidArgs, Detail: err.Error()}
	}
	return nil
}

func (si *SchemaInvoker) Invoke(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error) {
	if err := si.Check(tool, args); err != nil {
		return nil, err
	}
	return si.inner.Invoke(ctx, tool, args)
}
