package toolproxy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/xeipuuv/gojsonschema"
)

// validateArguments checks call arguments against the tool's declared
// input schema before the call reaches the server. Tools without
// declared properties accept anything.
func validateArguments(tool mcp.Tool, args map[string]any) error {
	if len(tool.InputSchema.Properties) == 0 && len(tool.InputSchema.Required) == 0 {
		return nil
	}

	schemaJSON, err := json.Marshal(tool.InputSchema)
	if err != nil {
		return fmt.Errorf("failed to marshal input schema: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaJSON),
		gojsonschema.NewGoLoader(args),
	)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if result.Valid() {
		return nil
	}

	var msgs []string
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}
