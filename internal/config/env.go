package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/iancoleman/strcase"
)

// LookupFunc looks up an environment variable.
type LookupFunc func(key string) (string, bool)

// EnvName returns the variable that overrides attr in block, e.g.
// CORDUROY_COUCHDB_UUID_BATCH_SIZE. Root attributes have an empty block.
func EnvName(block, attr string) string {
	if block == "" {
		return strcase.ToScreamingSnake(EnvPrefix + "_" + attr)
	}
	return strcase.ToScreamingSnake(EnvPrefix + "_" + block + "_" + attr)
}

// ApplyEnv overrides attributes of cfg from the environment. Every attribute
// of the root and of each top-level block can be overridden; nested blocks
// cannot. List attributes are comma-separated.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	var result *multierror.Error

	root := reflect.ValueOf(cfg).Elem()
	rootType := root.Type()
	for i := 0; i < rootType.NumField(); i++ {
		name, kind := hclTag(rootType.Field(i))
		field := root.Field(i)
		switch kind {
		case "block":
			if field.Kind() != reflect.Ptr || field.Type().Elem().Kind() != reflect.Struct {
				continue
			}
			if field.IsNil() {
				field.Set(reflect.New(field.Type().Elem()))
			}
			result = multierror.Append(result, applyBlock(name, field.Elem(), lookup))
		case "", "optional":
			if v, ok := lookup(EnvName("", name)); ok {
				if err := setField(field, v); err != nil {
					result = multierror.Append(result, fmt.Errorf("%s: %w", EnvName("", name), err))
				}
			}
		}
	}
	return result.ErrorOrNil()
}

func applyBlock(block string, v reflect.Value, lookup LookupFunc) error {
	var result *multierror.Error
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		name, kind := hclTag(t.Field(i))
		if name == "" || kind == "block" || kind == "label" {
			continue
		}
		env := EnvName(block, name)
		value, ok := lookup(env)
		if !ok {
			continue
		}
		if err := setField(v.Field(i), value); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", env, err))
		}
	}
	return result.ErrorOrNil()
}

func hclTag(f reflect.StructField) (string, string) {
	tag := f.Tag.Get("hcl")
	if tag == "" {
		return "", ""
	}
	parts := strings.SplitN(tag, ",", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}

func setField(field reflect.Value, value string) error {
	if field.Kind() == reflect.Ptr {
		ptr := reflect.New(field.Type().Elem())
		if err := setField(ptr.Elem(), value); err != nil {
			return err
		}
		field.Set(ptr)
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean %q", value)
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer %q", value)
		}
		field.SetInt(n)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported list type %s", field.Type())
		}
		var items []string
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		field.Set(reflect.ValueOf(items))
	default:
		return fmt.Errorf("unsupported type %s", field.Type())
	}
	return nil
}
