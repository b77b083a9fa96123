package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/martinemde/chatloop/unifiedllm"
)

// ToolExecutor is the tool collaborator used by the Loop. Execute must
// never panic or return an error: every failure is reported as
// success=false with a descriptive result.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, args map[string]any) (success bool, result any)
	Definitions() []unifiedllm.ToolDefinition
}

// ToolHandler runs one tool with validated arguments. A returned error is
// recorded as a failed call.
type ToolHandler func(ctx context.Context, args map[string]any) (any, error)

// ToolDefinition describes a tool for the model.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// RegisteredTool pairs a tool definition with its handler.
type RegisteredTool struct {
	Definition ToolDefinition
	Handler    ToolHandler
}

// ToolRegistry maps tool names to handlers and validates arguments against
// each tool's declared parameter schema before dispatch.
type ToolRegistry struct {
	tools    map[string]*RegisteredTool
	validate *validator.Validate
	mu       sync.RWMutex
}

// NewToolRegistry creates an empty ToolRegistry.
func NewToolRegistry() *ToolRegistry {
	v := validator.New()
	// Registration only fails for an empty tag or nil func.
	_ = v.RegisterValidation("jsontype", validateJSONType)
	return &ToolRegistry{
		tools:    make(map[string]*RegisteredTool),
		validate: v,
	}
}

// Register adds or replaces a tool in the registry.
func (r *ToolRegistry) Register(tool RegisteredTool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Definition.Name] = &tool
}

// Unregister removes a tool from the registry.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a registered tool by name, or nil if not found.
func (r *ToolRegistry) Get(name string) *RegisteredTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Names returns the sorted names of all registered tools.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Tools returns the registered tool definitions sorted by name.
func (r *ToolRegistry) Tools() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		defs = append(defs, tool.Definition)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Definitions returns the tool schema in the form sent to the model.
func (r *ToolRegistry) Definitions() []unifiedllm.ToolDefinition {
	defs := r.Tools()
	out := make([]unifiedllm.ToolDefinition, len(defs))
	for i, d := range defs {
		out[i] = unifiedllm.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		}
	}
	return out
}

// Execute validates args and runs the named tool. Unknown tools, invalid
// arguments, handler errors and handler panics all yield success=false with
// an {"error": ...} result.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args map[string]any) (success bool, result any) {
	tool := r.Get(name)
	if tool == nil {
		return false, errorResult(fmt.Sprintf("Tool '%s' not found", name))
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := r.validateArgs(tool.Definition, args); err != nil {
		return false, errorResult(err.Error())
	}

	defer func() {
		if p := recover(); p != nil {
			success, result = false, errorResult(fmt.Sprintf("tool %s panicked: %v", name, p))
		}
	}()

	out, err := tool.Handler(ctx, args)
	if err != nil {
		return false, errorResult(err.Error())
	}
	return true, out
}

// validateArgs checks args against the tool's parameter schema: required
// parameters must be present and non-empty, and every supplied parameter
// with a declared primitive type must match it.
func (r *ToolRegistry) validateArgs(def ToolDefinition, args map[string]any) error {
	required := RequiredParameters(def.Parameters)
	types := parameterTypes(def.Parameters)

	rules := make(map[string]interface{}, len(required)+len(types))
	for _, name := range required {
		rules[name] = "required"
	}
	for name, typ := range types {
		if v, ok := args[name]; !ok || v == nil {
			continue
		}
		rule := "jsontype=" + typ
		if existing, ok := rules[name].(string); ok {
			rule = existing + "," + rule
		}
		rules[name] = rule
	}
	if len(rules) == 0 {
		return nil
	}

	errs := r.validate.ValidateMap(args, rules)
	if len(errs) == 0 {
		return nil
	}
	var missing, mistyped []string
	for field, err := range errs {
		e, _ := err.(error)
		var verrs validator.ValidationErrors
		if errors.As(e, &verrs) && len(verrs) > 0 && verrs[0].Tag() == "jsontype" {
			mistyped = append(mistyped, fmt.Sprintf("%s (want %s)", field, types[field]))
			continue
		}
		missing = append(missing, field)
	}
	sort.Strings(missing)
	sort.Strings(mistyped)

	var problems []string
	if len(missing) > 0 {
		problems = append(problems, "missing required argument(s): "+strings.Join(missing, ", "))
	}
	if len(mistyped) > 0 {
		problems = append(problems, "invalid argument type(s): "+strings.Join(mistyped, ", "))
	}
	return errors.New(strings.Join(problems, "; "))
}

// parameterTypes returns the declared JSON type of each property in a
// JSON schema object, skipping properties without a single named type.
func parameterTypes(schema map[string]interface{}) map[string]string {
	props, _ := schema["properties"].(map[string]interface{})
	out := make(map[string]string, len(props))
	for name, p := range props {
		prop, _ := p.(map[string]interface{})
		if typ, ok := prop["type"].(string); ok && jsonTypes[typ] {
			out[name] = typ
		}
	}
	return out
}

var jsonTypes = map[string]bool{
	"string":  true,
	"integer": true,
	"number":  true,
	"boolean": true,
	"array":   true,
	"object":  true,
}

// validateJSONType is the "jsontype" validator. Values come from decoded
// JSON, so integers usually arrive as float64.
func validateJSONType(fl validator.FieldLevel) bool {
	v := fl.Field()
	switch fl.Param() {
	case "string":
		return v.Kind() == reflect.String
	case "boolean":
		return v.Kind() == reflect.Bool
	case "array":
		return v.Kind() == reflect.Slice || v.Kind() == reflect.Array
	case "object":
		return v.Kind() == reflect.Map || v.Kind() == reflect.Struct
	case "number", "integer":
		switch v.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return true
		case reflect.Float32, reflect.Float64:
			f := v.Float()
			return fl.Param() == "number" || f == math.Trunc(f)
		case reflect.String:
			if n, ok := v.Interface().(json.Number); ok {
				if fl.Param() == "number" {
					_, err := n.Float64()
					return err == nil
				}
				_, err := n.Int64()
				return err == nil
			}
		}
		return false
	}
	return true
}

func errorResult(msg string) map[string]any {
	return map[string]any{"error": msg}
}

// RequiredParameters returns the "required" list of a JSON schema object.
func RequiredParameters(schema map[string]interface{}) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []interface{}:
		out := make([]string, 0, len(req))
		for _, v := range req {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// ParseToolArguments unmarshals tool call arguments into a map.
func ParseToolArguments(raw json.RawMessage) (map[string]interface{}, error) {
	if len(raw) == 0 {
		return map[string]interface{}{}, nil
	}
	var args map[string]interface{}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid tool arguments: %w", err)
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return args, nil
}

// GetStringArg extracts a string argument from parsed tool arguments.
func GetStringArg(args map[string]interface{}, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetIntArg extracts an integer argument from parsed tool arguments.
func GetIntArg(args map[string]interface{}, key string) (int, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

// GetBoolArg extracts a boolean argument from parsed tool arguments.
func GetBoolArg(args map[string]interface{}, key string) (bool, bool) {
	v, ok := args[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}
