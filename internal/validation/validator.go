package validation

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Validator validates structs using `validate` tags.
// Supported rules: required, min=N, max=N, len=N, oneof=a b c.
// Length rules apply to strings (runes) and slices; numeric rules to ints.
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// Validate validates a struct
func (v *Validator) Validate(s interface{}) error {
	val := reflect.ValueOf(s)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}

	if val.Kind() != reflect.Struct {
		return fmt.Errorf("validate expects a struct")
	}

	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)
		tag := fieldType.Tag.Get("validate")

		if tag == "" {
			continue
		}

		if err := v.validateField(field, tag); err != nil {
			return fmt.Errorf("%s: %w", fieldName(fieldType), err)
		}
	}

	return nil
}

// validateField validates a single field
func (v *Validator) validateField(field reflect.Value, tag string) error {
	for _, rule := range strings.Split(tag, ",") {
		parts := strings.SplitN(rule, "=", 2)
		ruleName := parts[0]
		arg := ""
		if len(parts) == 2 {
			arg = parts[1]
		}

		switch ruleName {
		case "required":
			if field.IsZero() {
				return fmt.Errorf("field is required")
			}

		case "omitempty":
			if field.IsZero() {
				return nil
			}

		case "min", "max", "len":
			n, err := strconv.ParseInt(arg, 10, 64)
			if err != nil {
				return fmt.Errorf("bad rule %q", rule)
			}
			size, ok := measure(field)
			if !ok {
				continue
			}
			switch {
			case ruleName == "min" && size < n:
				return fmt.Errorf("must be at least %d", n)
			case ruleName == "max" && size > n:
				return fmt.Errorf("must be at most %d", n)
			case ruleName == "len" && size != n:
				return fmt.Errorf("must be exactly %d", n)
			}

		case "oneof":
			if field.Kind() != reflect.String {
				continue
			}
			found := false
			for _, opt := range strings.Fields(arg) {
				if field.String() == opt {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("must be one of [%s]", arg)
			}
		}
	}

	return nil
}

// measure returns the length (strings, slices) or value (integers) a size rule compares
func measure(field reflect.Value) (int64, bool) {
	switch field.Kind() {
	case reflect.String:
		return int64(utf8.RuneCountInString(field.String())), true
	case reflect.Slice, reflect.Array, reflect.Map:
		return int64(field.Len()), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return field.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(field.Uint()), true
	}
	return 0, false
}

func fieldName(f reflect.StructField) string {
	if tag := f.Tag.Get("json"); tag != "" {
		if name := strings.Split(tag, ",")[0]; name != "" && name != "-" {
			return name
		}
	}
	return f.Name
}
