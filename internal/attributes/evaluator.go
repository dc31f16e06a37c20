package attributes

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/mrzor/kevent/internal/event"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Custom is a named attribute expression.
type Custom struct {
	Name       string
	Expression string
}

// ParseCustom parses "name=expression". The expression may itself
// contain '='.
func ParseCustom(s string) (Custom, error) {
	name, expression, ok := strings.Cut(s, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" || strings.TrimSpace(expression) == "" {
		return Custom{}, fmt.Errorf("invalid attribute %q, want name=expression", s)
	}
	return Custom{Name: name, Expression: expression}, nil
}

// FromMap turns a name→expression map into Customs sorted by name.
func FromMap(m map[string]string) []Custom {
	customs := make([]Custom, 0, len(m))
	for name, expression := range m {
		customs = append(customs, Custom{Name: name, Expression: expression})
	}
	sort.Slice(customs, func(i, j int) bool { return customs[i].Name < customs[j].Name })
	return customs
}

// Matcher is a compiled event predicate.
type Matcher struct {
	program *vm.Program
}

// NewMatcher compiles a boolean expression. An empty expression matches
// every event.
func NewMatcher(exprStr string) (*Matcher, error) {
	if strings.TrimSpace(exprStr) == "" {
		return &Matcher{}, nil
	}
	program, err := expr.Compile(exprStr, expr.Env(typeEnv), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("failed to compile match expression: %w", err)
	}
	return &Matcher{program: program}, nil
}

// Match reports whether kev satisfies the predicate.
func (m *Matcher) Match(kev event.Kevent, environ map[string]string) (bool, error) {
	if m.program == nil {
		return true, nil
	}
	out, err := expr.Run(m.program, Env(kev, environ))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate match expression: %w", err)
	}
	return out.(bool), nil
}

// Evaluator handles compilation and evaluation of custom attribute expressions.
type Evaluator struct {
	customs  []Custom
	programs []*vm.Program
	log      *zap.Logger
}

// NewEvaluator pre-compiles every custom attribute expression.
func NewEvaluator(customs []Custom, log *zap.Logger) (*Evaluator, error) {
	if log == nil {
		log = zap.NewNop()
	}
	programs := make([]*vm.Program, len(customs))
	for i, c := range customs {
		program, err := expr.Compile(c.Expression, expr.Env(typeEnv))
		if err != nil {
			return nil, fmt.Errorf("failed to compile expression for attribute %q: %w", c.Name, err)
		}
		programs[i] = program
	}
	return &Evaluator{customs: customs, programs: programs, log: log}, nil
}

// Evaluate computes the custom attributes of kev. An attribute whose
// expression fails is skipped; a map result expands into one attribute
// per key.
func (e *Evaluator) Evaluate(kev event.Kevent, environ map[string]string) []attribute.KeyValue {
	if len(e.customs) == 0 {
		return nil
	}
	env := Env(kev, environ)

	var attrs []attribute.KeyValue
	for i, c := range e.customs {
		output, err := expr.Run(e.programs[i], env)
		if err != nil {
			e.log.Warn("failed to evaluate attribute", zap.String("attribute", c.Name), zap.Error(err))
			continue
		}

		v := reflect.ValueOf(output)
		if v.Kind() != reflect.Map {
			attrs = append(attrs, attribute.String(c.Name, fmt.Sprint(output)))
			continue
		}
		keys := v.MapKeys()
		sort.Slice(keys, func(i, j int) bool {
			return fmt.Sprint(keys[i].Interface()) < fmt.Sprint(keys[j].Interface())
		})
		for _, key := range keys {
			name := c.Name + "." + sanitizeAttributeName(fmt.Sprint(key.Interface()))
			attrs = append(attrs, attribute.String(name, fmt.Sprint(v.MapIndex(key).Interface())))
		}
	}
	return attrs
}

// sanitizeAttributeName replaces non-alphanumeric characters with underscores.
func sanitizeAttributeName(name string) string {
	result := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			result[i] = c
		} else {
			result[i] = '_'
		}
	}
	return string(result)
}
