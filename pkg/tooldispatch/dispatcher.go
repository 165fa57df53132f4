package tooldispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/asientohq/asiento/internal/observability"
	"github.com/asientohq/asiento/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// QuestionToolName is recognized by the dispatcher but never executed:
// suspending the turn is the session engine's job, not a single tool call.
const QuestionToolName = "ask_user_question"

// TitleToolName updates the conversation title. The session engine applies
// it inline, but it is registered here so the model catalog stays complete.
const TitleToolName = "update_conversation_title"

// Parameter defines a parameter for a tool
type Parameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Enum        []string    `json:"enum,omitempty"`
	Default     interface{} `json:"default,omitempty"`
}

// Handler is the function signature for tool execution. Domain errors should
// be translated into a failure Result; returned errors and panics are caught
// by the dispatcher and converted into the same envelope.
type Handler func(ctx context.Context, req Request) (Result, error)

// Definition defines a tool's metadata and handler
type Definition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters"`
	Handler     Handler     `json:"-"`
}

// ParameterSchema renders the definition's parameters as a JSON Schema
// object, the shape the model catalog expects for function tools.
func (d Definition) ParameterSchema() map[string]interface{} {
	properties := make(map[string]interface{})
	required := []string{}

	for _, param := range d.Parameters {
		paramSchema := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if len(param.Enum) > 0 {
			paramSchema["enum"] = param.Enum
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schema := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Request carries one tool invocation
type Request struct {
	Tool     string
	Args     map[string]interface{}
	TenantID string
	UserID   string
}

// Result is the uniform envelope every tool call resolves to. A failure is
// still a valid result: it is fed back to the model as a tool output so the
// model can recover, never surfaced as an aborted turn.
type Result struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Summary string      `json:"summary"`
}

// Failure builds a failure envelope with a human-readable summary
func Failure(summary string, err error) Result {
	data := map[string]interface{}{}
	if err != nil {
		data["error"] = err.Error()
	}
	return Result{Success: false, Data: data, Summary: summary}
}

// Dispatcher manages and executes tools
type Dispatcher struct {
	mu      sync.RWMutex
	tools   map[string]*Definition
	schemas map[string]*gojsonschema.Schema
	logger  zerolog.Logger
}

// New creates a new Dispatcher
func New(logger zerolog.Logger) *Dispatcher {
	observability.EnsureRegistered()

	return &Dispatcher{
		tools:   make(map[string]*Definition),
		schemas: make(map[string]*gojsonschema.Schema),
		logger:  logger,
	}
}

// Register registers a new tool
func (d *Dispatcher) Register(def Definition) error {
	if err := validateDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schemaLoader := gojsonschema.NewGoLoader(def.ParameterSchema())
	schema, err := gojsonschema.NewSchema(schemaLoader)
	if err != nil {
		return fmt.Errorf("failed to compile schema: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.tools[def.Name]; exists {
		return fmt.Errorf("tool already registered: %s", def.Name)
	}

	d.tools[def.Name] = &def
	d.schemas[def.Name] = schema

	d.logger.Info().Str("tool", def.Name).Msg("Tool registered")
	return nil
}

// Has reports whether a tool name is registered
func (d *Dispatcher) Has(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.tools[name]
	return ok
}

// Definitions returns all registered definitions sorted by name, for
// building the model's tool catalog.
func (d *Dispatcher) Definitions() []Definition {
	d.mu.RLock()
	defer d.mu.RUnlock()

	defs := make([]Definition, 0, len(d.tools))
	for _, def := range d.tools {
		defs = append(defs, *def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute runs one tool call and always returns an envelope: unknown names,
// invalid arguments, handler errors and handler panics all become a failure
// Result rather than an error.
func (d *Dispatcher) Execute(ctx context.Context, req Request) (result Result) {
	start := time.Now()
	logger := tracing.LoggerFromContext(ctx, d.logger)

	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Str("tool", req.Tool).
				Interface("panic", r).
				Msg("Tool handler panicked")
			result = Failure(fmt.Sprintf("tool %s crashed", req.Tool), fmt.Errorf("panic: %v", r))
		}
		observability.RecordToolExecution(req.Tool, time.Since(start), result.Success)
	}()

	if req.Tool == QuestionToolName {
		// Recognized but never run here: it suspends the turn one layer up.
		return Failure("ask_user_question is handled by the session engine, not the dispatcher", nil)
	}

	d.mu.RLock()
	tool := d.tools[req.Tool]
	schema := d.schemas[req.Tool]
	d.mu.RUnlock()

	if tool == nil {
		logger.Warn().Str("tool", req.Tool).Msg("Unknown tool requested")
		return Failure(fmt.Sprintf("unknown tool: %s", req.Tool), nil)
	}

	if err := validateArgs(schema, req.Args); err != nil {
		logger.Warn().Str("tool", req.Tool).Err(err).Msg("Argument validation failed")
		return Failure(fmt.Sprintf("invalid arguments for %s", req.Tool), err)
	}

	logger.Debug().Str("tool", req.Tool).Msg("Executing tool")

	res, err := tool.Handler(ctx, req)
	if err != nil {
		logger.Error().
			Str("tool", req.Tool).
			Dur("duration", time.Since(start)).
			Err(err).
			Msg("Tool execution failed")
		return Failure(fmt.Sprintf("%s failed: %s", req.Tool, err.Error()), err)
	}

	logger.Debug().
		Str("tool", req.Tool).
		Dur("duration", time.Since(start)).
		Bool("success", res.Success).
		Msg("Tool execution completed")

	return res
}

func validateDefinition(def Definition) error {
	if def.Name == "" {
		return errors.New("tool name cannot be empty")
	}
	if def.Description == "" {
		return errors.New("tool description cannot be empty")
	}
	if def.Handler == nil {
		return errors.New("tool handler cannot be nil")
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	for _, param := range def.Parameters {
		if param.Name == "" {
			return errors.New("parameter name cannot be empty")
		}
		if param.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", param.Name)
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
	}
	return nil
}

func validateArgs(schema *gojsonschema.Schema, args map[string]interface{}) error {
	if schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]interface{}{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return err
	}
	if !result.Valid() {
		msgs := []string{}
		for _, verr := range result.Errors() {
			msgs = append(msgs, verr.String())
		}
		return fmt.Errorf("validation errors: %v", msgs)
	}
	return nil
}
