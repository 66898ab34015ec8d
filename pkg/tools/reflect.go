package tools

import (
	"context"
	"encoding/json"
	"reflect"
	"runtime"
	"strings"

	"github.com/iancoleman/strcase"
	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
)

var (
	ctxType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errType = reflect.TypeOf((*error)(nil)).Elem()
)

// NewFromFunc builds a Definition from a plain Go function, deriving the
// tool name from the function name (snake_case). Supported signatures:
//
//	func(Input) (Result, error)
//	func(context.Context, Input) (Result, error)
//	func(context.Context) (Result, error)
//	func() (Result, error)
//
// The parameter schema is reflected from the Input struct.
func NewFromFunc(description string, fn interface{}) (*Definition, error) {
	return NewNamedFromFunc(funcName(fn), description, fn)
}

// NewNamedFromFunc is NewFromFunc with an explicit tool name.
func NewNamedFromFunc(name, description string, fn interface{}) (*Definition, error) {
	if name == "" {
		return nil, errors.New("tool name cannot be empty")
	}
	funcType := reflect.TypeOf(fn)
	if funcType == nil || funcType.Kind() != reflect.Func {
		return nil, errors.Errorf("tool %s: not a function", name)
	}
	if funcType.NumOut() == 0 || funcType.NumOut() > 2 {
		return nil, errors.Errorf("tool %s: function must return (result) or (result, error)", name)
	}
	if funcType.NumOut() == 2 && !funcType.Out(1).Implements(errType) {
		return nil, errors.Errorf("tool %s: second return value must be an error", name)
	}

	inputType, err := funcInputType(funcType)
	if err != nil {
		return nil, errors.Wrapf(err, "tool %s", name)
	}

	schema := schemaForInput(inputType)
	handler := handlerForFunc(reflect.ValueOf(fn), funcType, inputType)

	return &Definition{
		Name:        name,
		Description: description,
		Parameters:  schema,
		Handler:     handler,
	}, nil
}

func funcName(fn interface{}) string {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return ""
	}
	full := runtime.FuncForPC(v.Pointer()).Name()
	if idx := strings.LastIndex(full, "."); idx >= 0 {
		full = full[idx+1:]
	}
	// Anonymous functions come out as funcN; they need an explicit name.
	full = strings.TrimSuffix(full, "-fm")
	return strcase.ToSnake(full)
}

func funcInputType(funcType reflect.Type) (reflect.Type, error) {
	switch funcType.NumIn() {
	case 0:
		return nil, nil
	case 1:
		if funcType.In(0) == ctxType {
			return nil, nil
		}
		return funcType.In(0), nil
	case 2:
		if funcType.In(0) != ctxType {
			return nil, errors.New("two-arg function must be (context.Context, Input)")
		}
		return funcType.In(1), nil
	default:
		return nil, errors.New("function must take (Input) or (context.Context, Input)")
	}
}

func schemaForInput(inputType reflect.Type) *jsonschema.Schema {
	if inputType == nil {
		return &jsonschema.Schema{Type: "object"}
	}
	instance := reflect.New(inputType).Elem().Interface()
	reflector := jsonschema.Reflector{DoNotReference: true}
	schema := reflector.Reflect(instance)
	if schema.Type == "" && schema.Ref == "" {
		schema.Type = "object"
	}
	// The validator speaks draft-07; dropping the $schema marker keeps the
	// generated schema loadable there.
	schema.Version = ""
	return schema
}

func handlerForFunc(funcValue reflect.Value, funcType reflect.Type, inputType reflect.Type) Handler {
	return func(ctx context.Context, args json.RawMessage) (interface{}, error) {
		in := make([]reflect.Value, 0, 2)
		if funcType.NumIn() > 0 && funcType.In(0) == ctxType {
			in = append(in, reflect.ValueOf(ctx))
		}
		if inputType != nil {
			input := reflect.New(inputType)
			if len(args) > 0 {
				if err := json.Unmarshal(args, input.Interface()); err != nil {
					return nil, errors.Wrap(err, "failed to unmarshal arguments")
				}
			}
			in = append(in, input.Elem())
		}

		out := funcValue.Call(in)
		result := out[0].Interface()
		if len(out) == 2 {
			if errv := out[1].Interface(); errv != nil {
				return result, errv.(error)
			}
		}
		return result, nil
	}
}
