package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. ORCH_ENGINE_CALL_TIMEOUT.
const EnvPrefix = "ORCH"

var durationType = reflect.TypeOf(time.Duration(0))

// LoadYAML decodes the YAML file at path into target.
func LoadYAML(path string, target interface{}) error {
	// #nosec G304 -- path comes from the operator's -config flag.
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read YAML file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to unmarshal YAML: %w", err)
	}
	return nil
}

// SaveYAML writes config to path with owner-only permissions.
func SaveYAML(path string, config interface{}) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write YAML file: %w", err)
	}
	return nil
}

// LoadWithEnv loads path (when non-empty) into target and then applies
// environment overrides under prefix.
func LoadWithEnv(path, prefix string, target interface{}) error {
	if path != "" {
		if err := LoadYAML(path, target); err != nil {
			return fmt.Errorf("failed to load config file: %w", err)
		}
	}
	if err := ApplyEnvOverrides(prefix, target); err != nil {
		return fmt.Errorf("failed to apply env overrides: %w", err)
	}
	return nil
}

// ApplyEnvOverrides sets struct fields from PREFIX_SECTION_FIELD variables.
// Names come from the yaml tag (falling back to the field name), upper-cased.
func ApplyEnvOverrides(prefix string, target interface{}) error {
	if prefix == "" {
		prefix = EnvPrefix
	}
	val := reflect.ValueOf(target)
	if val.Kind() != reflect.Ptr || val.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("target must be a pointer to a struct")
	}
	return applyEnvToStruct(prefix, val.Elem())
}

func applyEnvToStruct(prefix string, val reflect.Value) error {
	typ := val.Type()
	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)
		if !field.CanSet() {
			continue
		}
		name := envName(fieldType)
		if name == "" {
			continue
		}
		envKey := prefix + "_" + name

		if field.Kind() == reflect.Struct {
			if err := applyEnvToStruct(envKey, field); err != nil {
				return err
			}
			continue
		}
		if field.Kind() == reflect.Ptr && field.Type().Elem().Kind() == reflect.Struct {
			if field.IsNil() {
				field.Set(reflect.New(field.Type().Elem()))
			}
			if err := applyEnvToStruct(envKey, field.Elem()); err != nil {
				return err
			}
			continue
		}

		envValue, ok := os.LookupEnv(envKey)
		if !ok || envValue == "" {
			continue
		}
		if err := setFieldFromEnv(field, envValue); err != nil {
			return fmt.Errorf("failed to set field %s from env %s: %w", fieldType.Name, envKey, err)
		}
	}
	return nil
}

func envName(f reflect.StructField) string {
	tag := f.Tag.Get("yaml")
	name := strings.Split(tag, ",")[0]
	if name == "-" {
		return ""
	}
	if name == "" {
		name = f.Name
	}
	return strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

func setFieldFromEnv(field reflect.Value, envValue string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(envValue)
		if err != nil {
			return fmt.Errorf("invalid duration value: %s", envValue)
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(envValue)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		v, err := strconv.ParseInt(envValue, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer value: %s", envValue)
		}
		field.SetInt(v)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		v, err := strconv.ParseUint(envValue, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid unsigned integer value: %s", envValue)
		}
		field.SetUint(v)
	case reflect.Float32, reflect.Float64:
		v, err := strconv.ParseFloat(envValue, 64)
		if err != nil {
			return fmt.Errorf("invalid float value: %s", envValue)
		}
		field.SetFloat(v)
	case reflect.Bool:
		field.SetBool(strings.ToLower(envValue) == "true" || envValue == "1")
	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.Struct {
			// structured lists such as remote workers come from the file only
			return nil
		}
		parts := strings.Split(envValue, ",")
		slice := reflect.MakeSlice(field.Type(), len(parts), len(parts))
		for i, part := range parts {
			elem := reflect.New(field.Type().Elem()).Elem()
			if err := setFieldFromEnv(elem, strings.TrimSpace(part)); err != nil {
				return err
			}
			slice.Index(i).Set(elem)
		}
		field.Set(slice)
	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}
	return nil
}
