package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cloudwego/eino/schema"
)

type ErrorCode string

const (
	CodeValidation  ErrorCode = "VALIDATION_ERROR"
	CodeExecution   ErrorCode = "EXECUTION_ERROR"
	CodeTimeout     ErrorCode = "TIMEOUT"
	CodeNotFound    ErrorCode = "NOT_FOUND"
	CodeUnavailable ErrorCode = "UNAVAILABLE"
)

// Error is the typed failure a tool returns. Any other error is reported
// as EXECUTION_ERROR.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf classifies err for a tool message.
func CodeOf(err error) ErrorCode {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	return CodeExecution
}

// MessageOf strips the code prefix from typed errors.
func MessageOf(err error) string {
	var te *Error
	if errors.As(err, &te) {
		if te.Err != nil {
			return te.Message + ": " + te.Err.Error()
		}
		return te.Message
	}
	return err.Error()
}

// Tool is a named callable with a declared input schema. Arguments arrive as
// the raw JSON object produced by the model.
type Tool interface {
	Info() *schema.ToolInfo
	Parameters() map[string]any
	Invoke(ctx context.Context, arguments string) (string, error)
}

type Func func(ctx context.Context, args map[string]any) (any, error)

// FunctionTool exposes a Go function as a Tool. Arguments are checked against
// the parameter declarations before fn runs.
type FunctionTool struct {
	info   *schema.ToolInfo
	params map[string]*schema.ParameterInfo
	fn     Func
}

var _ Tool = (*FunctionTool)(nil)

func NewFunctionTool(name, desc string, params map[string]*schema.ParameterInfo, fn Func) *FunctionTool {
	if params == nil {
		params = map[string]*schema.ParameterInfo{}
	}
	return &FunctionTool{
		info: &schema.ToolInfo{
			Name:        name,
			Desc:        desc,
			ParamsOneOf: schema.NewParamsOneOfByParams(params),
		},
		params: params,
		fn:     fn,
	}
}

func (t *FunctionTool) Name() string { return t.info.Name }

func (t *FunctionTool) Info() *schema.ToolInfo { return t.info }

func (t *FunctionTool) Parameters() map[string]any {
	return ObjectSchema(t.params)
}

func (t *FunctionTool) Invoke(ctx context.Context, arguments string) (string, error) {
	args, err := DecodeArguments(arguments)
	if err != nil {
		return "", err
	}
	if err := validateArguments(t.params, args); err != nil {
		return "", err
	}

	out, err := t.fn(ctx, args)
	if err != nil {
		var te *Error
		if errors.As(err, &te) {
			return "", err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return "", &Error{Code: CodeTimeout, Message: "tool timed out", Err: err}
		}
		return "", &Error{Code: CodeExecution, Message: "tool failed", Err: err}
	}
	return EncodeOutput(out)
}

// DecodeArguments accepts an empty string as an empty object.
func DecodeArguments(arguments string) (map[string]any, error) {
	arguments = strings.TrimSpace(arguments)
	if arguments == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return nil, &Error{Code: CodeValidation, Message: "arguments are not a JSON object", Err: err}
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// EncodeOutput keeps strings as-is and JSON encodes everything else.
func EncodeOutput(out any) (string, error) {
	switch v := out.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case json.RawMessage:
		return string(v), nil
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return "", &Error{Code: CodeExecution, Message: "encode tool output", Err: err}
	}
	return string(raw), nil
}

func validateArguments(params map[string]*schema.ParameterInfo, args map[string]any) error {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		p := params[name]
		v, ok := args[name]
		if !ok || v == nil {
			if p.Required {
				return NewError(CodeValidation, "missing required argument %q", name)
			}
			continue
		}
		if !matchesType(p.Type, v) {
			return NewError(CodeValidation, "argument %q must be %s", name, p.Type)
		}
		if p.Type == schema.String && p.Required && strings.TrimSpace(v.(string)) == "" {
			return NewError(CodeValidation, "argument %q is empty", name)
		}
		if len(p.Enum) > 0 {
			if s, ok := v.(string); ok && !contains(p.Enum, s) {
				return NewError(CodeValidation, "argument %q must be one of %s", name, strings.Join(p.Enum, ", "))
			}
		}
	}
	return nil
}

func matchesType(dt schema.DataType, v any) bool {
	switch dt {
	case schema.String:
		_, ok := v.(string)
		return ok
	case schema.Number:
		_, ok := v.(float64)
		return ok
	case schema.Integer:
		f, ok := v.(float64)
		return ok && f == float64(int64(f))
	case schema.Boolean:
		_, ok := v.(bool)
		return ok
	case schema.Array:
		_, ok := v.([]any)
		return ok
	case schema.Object:
		_, ok := v.(map[string]any)
		return ok
	default:
		return true
	}
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

// StringArg returns a trimmed string argument.
func StringArg(args map[string]any, name string) string {
	v, _ := args[name].(string)
	return strings.TrimSpace(v)
}

// ObjectSchema renders parameter declarations as a JSON schema object, the
// shape baked into hosted agent definitions.
func ObjectSchema(params map[string]*schema.ParameterInfo) map[string]any {
	properties := make(map[string]any, len(params))
	required := make([]string, 0)
	for name, p := range params {
		properties[name] = parameterSchema(p)
		if p.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)
	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

func parameterSchema(p *schema.ParameterInfo) map[string]any {
	out := map[string]any{"type": string(p.Type)}
	if p.Desc != "" {
		out["description"] = p.Desc
	}
	if len(p.Enum) > 0 {
		out["enum"] = p.Enum
	}
	if p.Type == schema.Array && p.ElemInfo != nil {
		out["items"] = parameterSchema(p.ElemInfo)
	}
	if p.Type == schema.Object && len(p.SubParams) > 0 {
		nested := ObjectSchema(p.SubParams)
		out["properties"] = nested["properties"]
		out["required"] = nested["required"]
	}
	return out
}

// ParamsFromSchema converts a JSON schema object into parameter declarations.
// Unknown keywords are ignored.
func ParamsFromSchema(raw map[string]any) map[string]*schema.ParameterInfo {
	out := map[string]*schema.ParameterInfo{}
	props, _ := raw["properties"].(map[string]any)
	required := map[string]bool{}
	switch req := raw["required"].(type) {
	case []any:
		for _, r := range req {
			if s, ok := r.(string); ok {
				required[s] = true
			}
		}
	case []string:
		for _, s := range req {
			required[s] = true
		}
	}
	for name, v := range props {
		prop, _ := v.(map[string]any)
		p := paramFromSchema(prop)
		p.Required = required[name]
		out[name] = p
	}
	return out
}

func paramFromSchema(prop map[string]any) *schema.ParameterInfo {
	p := &schema.ParameterInfo{Type: schema.String}
	if t, ok := prop["type"].(string); ok && t != "" {
		p.Type = schema.DataType(t)
	}
	p.Desc, _ = prop["description"].(string)
	if enum, ok := prop["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				p.Enum = append(p.Enum, s)
			}
		}
	}
	if items, ok := prop["items"].(map[string]any); ok && p.Type == schema.Array {
		p.ElemInfo = paramFromSchema(items)
	}
	if p.Type == schema.Object {
		p.SubParams = ParamsFromSchema(prop)
	}
	return p
}
