package acqboard

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// Kind identifies how a parameter value is represented on the wire.
type Kind int

const (
	// KindString is free text passed through unchanged.
	KindString Kind = iota
	// KindBool is "True" or "False".
	KindBool
	// KindInt is a base-10 integer.
	KindInt
	// KindFloat is a decimal floating point number.
	KindFloat
	// KindEnum is a string restricted to a fixed set of choices.
	KindEnum
)

var kindNames = map[Kind]string{
	KindString: "string",
	KindBool:   "bool",
	KindInt:    "int",
	KindFloat:  "float",
	KindEnum:   "enum",
}

// String returns the lower-case kind name used in profile files.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind converts a profile kind name into a Kind.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if strings.EqualFold(s, name) {
			return k, nil
		}
	}
	return KindString, fmt.Errorf("%w: unknown kind %q", ErrInvalidValue, s)
}

// UnmarshalYAML lets profile files spell kinds by name.
func (k *Kind) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// MarshalYAML writes the kind name.
func (k Kind) MarshalYAML() (any, error) {
	return k.String(), nil
}

// MarshalText renders the kind name in JSON.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ParamSpec is the static declaration of one board parameter.
//
// Name is the reply head the board uses ("CONFIG:OP_MODE"). GetCommand is
// usually Name+"?" and SetCommand usually Name; either may be empty for
// write-only or read-only parameters.
type ParamSpec struct {
	Name       string   `yaml:"name" json:"name"`
	GetCommand string   `yaml:"get,omitempty" json:"get,omitempty"`
	SetCommand string   `yaml:"set,omitempty" json:"set,omitempty"`
	Kind       Kind     `yaml:"kind" json:"kind"`
	Min        *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max        *float64 `yaml:"max,omitempty" json:"max,omitempty"`
	Choices    []string `yaml:"choices,omitempty" json:"choices,omitempty"`
}

// ReadWrite declares a parameter with both "<name>?" and "<name> <value>" forms.
func ReadWrite(name string, kind Kind) ParamSpec {
	return ParamSpec{Name: name, GetCommand: name + "?", SetCommand: name, Kind: kind}
}

// ReadOnly declares a parameter that can only be queried.
func ReadOnly(name string, kind Kind) ParamSpec {
	return ParamSpec{Name: name, GetCommand: name + "?", Kind: kind}
}

// WithRange returns a copy of p with inclusive numeric bounds.
func (p ParamSpec) WithRange(lo, hi float64) ParamSpec {
	p.Min = &lo
	p.Max = &hi
	return p
}

// WithChoices returns a copy of p restricted to the given choices.
func (p ParamSpec) WithChoices(choices ...string) ParamSpec {
	p.Choices = slices.Clone(choices)
	return p
}

// Validate checks the declaration itself.
func (p ParamSpec) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: parameter name is empty", ErrInvalidValue)
	}
	if strings.ContainsAny(p.Name, " \n") {
		return fmt.Errorf("%w: parameter name %q contains whitespace", ErrInvalidValue, p.Name)
	}
	if p.GetCommand == "" && p.SetCommand == "" {
		return fmt.Errorf("%w: parameter %s has neither get nor set command", ErrInvalidValue, p.Name)
	}
	if strings.Contains(p.GetCommand, "\n") || strings.Contains(p.SetCommand, "\n") {
		return fmt.Errorf("%w: parameter %s command contains newline", ErrInvalidValue, p.Name)
	}
	if p.Kind == KindEnum && len(p.Choices) == 0 {
		return fmt.Errorf("%w: enum parameter %s has no choices", ErrInvalidValue, p.Name)
	}
	if p.Min != nil && p.Max != nil && *p.Min > *p.Max {
		return fmt.Errorf("%w: parameter %s min %g exceeds max %g", ErrInvalidValue, p.Name, *p.Min, *p.Max)
	}
	return nil
}

// Format validates value against the declaration and returns its wire text.
//
// Accepted Go types per kind:
//   - Bool: bool, or the strings "True"/"False"
//   - Int: any integer type, a float with no fractional part, or a decimal string
//   - Float: any integer or float type, or a decimal string
//   - Enum/String: string
func (p ParamSpec) Format(value any) (string, error) {
	switch p.Kind {
	case KindBool:
		b, err := toBool(value)
		if err != nil {
			return "", p.invalid(value, err)
		}
		return FormatBool(b), nil

	case KindInt:
		n, err := toInt(value)
		if err != nil {
			return "", p.invalid(value, err)
		}
		if err := p.checkRange(float64(n)); err != nil {
			return "", err
		}
		return strconv.FormatInt(n, 10), nil

	case KindFloat:
		f, err := toFloat(value)
		if err != nil {
			return "", p.invalid(value, err)
		}
		if err := p.checkRange(f); err != nil {
			return "", err
		}
		return strconv.FormatFloat(f, 'f', -1, 64), nil

	case KindEnum:
		s, ok := value.(string)
		if !ok {
			return "", p.invalid(value, fmt.Errorf("want string, got %T", value))
		}
		if !slices.Contains(p.Choices, s) {
			return "", fmt.Errorf("%w: %s must be one of %v, got %q", ErrInvalidValue, p.Name, p.Choices, s)
		}
		return s, nil

	default:
		s, ok := value.(string)
		if !ok {
			return "", p.invalid(value, fmt.Errorf("want string, got %T", value))
		}
		if strings.Contains(s, "\n") {
			return "", fmt.Errorf("%w: %s value contains newline", ErrInvalidValue, p.Name)
		}
		return s, nil
	}
}

// Parse converts raw reply text into the Go value for the parameter's kind:
// bool, int64, float64 or string. Surrounding whitespace is ignored for
// every kind. Enum replies must be one of the declared choices.
func (p ParamSpec) Parse(raw string) (any, error) {
	text := strings.TrimSpace(raw)
	switch p.Kind {
	case KindBool:
		b, err := ParseBool(text)
		if err != nil {
			return nil, fmt.Errorf("%w: %s reply %q", ErrInvalidValue, p.Name, raw)
		}
		return b, nil
	case KindInt:
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s reply %q is not an integer", ErrInvalidValue, p.Name, raw)
		}
		return n, nil
	case KindFloat:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s reply %q is not a number", ErrInvalidValue, p.Name, raw)
		}
		return f, nil
	case KindEnum:
		if !slices.Contains(p.Choices, text) {
			return nil, fmt.Errorf("%w: %s reply %q not in %v", ErrInvalidValue, p.Name, raw, p.Choices)
		}
		return text, nil
	default:
		return text, nil
	}
}

// SetFrame builds the "<SetCommand> <text>" command for a formatted value.
func (p ParamSpec) SetFrame(text string) string {
	return p.SetCommand + " " + text
}

func (p ParamSpec) checkRange(v float64) error {
	if p.Min != nil && v < *p.Min {
		return fmt.Errorf("%w: %s value %g below minimum %g", ErrInvalidValue, p.Name, v, *p.Min)
	}
	if p.Max != nil && v > *p.Max {
		return fmt.Errorf("%w: %s value %g above maximum %g", ErrInvalidValue, p.Name, v, *p.Max)
	}
	return nil
}

func (p ParamSpec) invalid(value any, err error) error {
	return fmt.Errorf("%w: %s value %v: %v", ErrInvalidValue, p.Name, value, err)
}

// FormatBool returns the board's spelling of a boolean.
func FormatBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

// ParseBool accepts exactly "True" or "False".
func ParseBool(s string) (bool, error) {
	switch s {
	case "True":
		return true, nil
	case "False":
		return false, nil
	default:
		return false, fmt.Errorf("%w: %q is not True or False", ErrInvalidValue, s)
	}
}

func toBool(value any) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		return ParseBool(v)
	default:
		return false, fmt.Errorf("want bool, got %T", value)
	}
}

func toInt(value any) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint:
		return uintToInt(uint64(v))
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		return uintToInt(v)
	case float32:
		return floatToInt(float64(v))
	case float64:
		return floatToInt(v)
	case string:
		return strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	default:
		return 0, fmt.Errorf("want integer, got %T", value)
	}
}

func uintToInt(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, fmt.Errorf("%d overflows int64", v)
	}
	return int64(v), nil
}

func floatToInt(f float64) (int64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, fmt.Errorf("%g is not a whole number", f)
	}
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, fmt.Errorf("%g overflows int64", f)
	}
	return int64(f), nil
}

func toFloat(value any) (float64, error) {
	var f float64
	switch v := value.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, err
		}
		f = parsed
	default:
		n, err := toInt(value)
		if err != nil {
			return 0, fmt.Errorf("want number, got %T", value)
		}
		f = float64(n)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%g is not finite", f)
	}
	return f, nil
}

// Parameter is a registered ParamSpec plus its runtime state: the waiter
// replies are delivered to, a request slot serialising gets of the same
// name, and the last raw value seen.
//
// Thread Safety: all methods are safe for concurrent use.
type Parameter struct {
	ParamSpec

	waiter *Waiter[string]
	inUse  chan struct{}

	mu       sync.RWMutex
	last     string
	haveLast bool
}

func newParameter(spec ParamSpec) *Parameter {
	return &Parameter{
		ParamSpec: spec,
		waiter:    NewWaiter[string](),
		inUse:     make(chan struct{}, 1),
	}
}

// acquire takes the per-parameter request slot so only one get of this
// name is outstanding at a time.
func (p *Parameter) acquire(ctx context.Context) error {
	select {
	case p.inUse <- struct{}{}:
		return nil
	case <-ctx.Done():
		return waitError(ctx)
	}
}

func (p *Parameter) release() {
	<-p.inUse
}

// Cached returns the last raw value received or successfully set.
func (p *Parameter) Cached() (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last, p.haveLast
}

func (p *Parameter) remember(raw string) {
	p.mu.Lock()
	p.last = raw
	p.haveLast = true
	p.mu.Unlock()
}

// deliver stores a reply and wakes the caller, if any.
func (p *Parameter) deliver(raw string) bool {
	p.remember(raw)
	return p.waiter.Deliver(raw)
}
