package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// Validator checks one aspect of a configuration.
type Validator interface {
	Validate(config interface{}) error
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(config interface{}) error

func (f ValidatorFunc) Validate(config interface{}) error { return f(config) }

// Validate runs every validator and joins their errors.
func Validate(config interface{}, validators ...Validator) error {
	var errs []error
	for _, v := range validators {
		if err := v.Validate(config); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("validation failed: %w", errors.Join(errs...))
	}
	return nil
}

// RequiredFields fails when any of the dotted field paths holds a zero value.
func RequiredFields(fields ...string) Validator {
	return ValidatorFunc(func(config interface{}) error {
		val := indirect(reflect.ValueOf(config))
		if val.Kind() != reflect.Struct {
			return fmt.Errorf("config must be a struct")
		}
		var missing []string
		for _, name := range fields {
			f := getNestedField(val, name)
			if !f.IsValid() {
				return fmt.Errorf("field %s not found in config struct", name)
			}
			if f.IsZero() {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			return fmt.Errorf("required fields are missing: %s", strings.Join(missing, ", "))
		}
		return nil
	})
}

// RangeValidator checks a numeric (or duration) field lies in [min, max].
func RangeValidator(fieldName string, min, max float64) Validator {
	return ValidatorFunc(func(config interface{}) error {
		f := getNestedField(indirect(reflect.ValueOf(config)), fieldName)
		if !f.IsValid() {
			return fmt.Errorf("field %s not found", fieldName)
		}
		var n float64
		switch f.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			n = float64(f.Int())
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			n = float64(f.Uint())
		case reflect.Float32, reflect.Float64:
			n = f.Float()
		default:
			return fmt.Errorf("field %s is not numeric", fieldName)
		}
		if n < min || n > max {
			return fmt.Errorf("field %s value %v is out of range [%v, %v]", fieldName, n, min, max)
		}
		return nil
	})
}

// OneOfValidator checks a field equals one of the allowed values.
func OneOfValidator(fieldName string, allowed ...interface{}) Validator {
	return ValidatorFunc(func(config interface{}) error {
		f := getNestedField(indirect(reflect.ValueOf(config)), fieldName)
		if !f.IsValid() {
			return fmt.Errorf("field %s not found", fieldName)
		}
		v := f.Interface()
		for _, a := range allowed {
			if reflect.DeepEqual(v, a) {
				return nil
			}
		}
		return fmt.Errorf("field %s value %v is not one of allowed values: %v", fieldName, v, allowed)
	})
}

// When applies v only if cond holds for the config.
func When(cond func(config interface{}) bool, v Validator) Validator {
	return ValidatorFunc(func(config interface{}) error {
		if !cond(config) {
			return nil
		}
		return v.Validate(config)
	})
}

func indirect(v reflect.Value) reflect.Value {
	for v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	return v
}

// getNestedField resolves dotted paths such as "Engine.CallTimeout".
func getNestedField(val reflect.Value, path string) reflect.Value {
	current := val
	for _, part := range strings.Split(path, ".") {
		current = indirect(current)
		if current.Kind() != reflect.Struct {
			return reflect.Value{}
		}
		current = current.FieldByName(part)
		if !current.IsValid() {
			return reflect.Value{}
		}
	}
	return current
}
