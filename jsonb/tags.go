package jsonb

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// TagName is the struct tag read by ValidateStruct.
//
//	type UpdateProfile struct {
//		Metadata map[string]any `json:"metadata" jsonb:"metadata"`
//		Settings map[string]any `json:"settings" jsonb:"settings,keys=theme|language"`
//		Payload  any            `json:"payload" jsonb:"depth=3,size=4096"`
//	}
//
// The first option may be a preset ("default", "metadata", "settings");
// later options override its limits.
const TagName = "jsonb"

// ValidateStruct validates every field of the struct pointed to by dst that
// carries a jsonb tag, replacing each with its sanitized copy. Untagged
// struct fields are descended into. The first failure is returned as a
// *FieldError.
func ValidateStruct(dst any) error {
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return errors.New("jsonb: ValidateStruct requires a non-nil pointer to a struct")
	}
	return validateFields(v.Elem())
}

func validateFields(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		fv := v.Field(i)

		tag, tagged := field.Tag.Lookup(TagName)
		if !tagged {
			if nested, ok := structValue(fv); ok {
				if err := validateFields(nested); err != nil {
					return err
				}
			}
			continue
		}

		policy, err := ParseTag(tag)
		if err != nil {
			return fmt.Errorf("jsonb: field %s: %w", field.Name, err)
		}

		sanitized, err := Validate(fv.Interface(), policy)
		if err != nil {
			return &FieldError{Field: jsonName(field), Err: err}
		}
		if err := assign(fv, sanitized); err != nil {
			return &FieldError{Field: jsonName(field), Err: err}
		}
	}
	return nil
}

func structValue(fv reflect.Value) (reflect.Value, bool) {
	switch fv.Kind() {
	case reflect.Struct:
		return fv, true
	case reflect.Pointer:
		if !fv.IsNil() && fv.Elem().Kind() == reflect.Struct {
			return fv.Elem(), true
		}
	}
	return reflect.Value{}, false
}

// assign stores the sanitized value back into the field, converting through
// JSON when the field is more specific than the generic shapes.
func assign(fv reflect.Value, sanitized any) error {
	if sanitized == nil {
		return nil
	}
	sv := reflect.ValueOf(sanitized)
	if sv.Type().AssignableTo(fv.Type()) {
		fv.Set(sv)
		return nil
	}

	raw, err := json.Marshal(sanitized)
	if err != nil {
		return &Error{Kind: KindUnsupported, cause: err}
	}
	ptr := reflect.New(fv.Type())
	if err := json.Unmarshal(raw, ptr.Interface()); err != nil {
		return &Error{Kind: KindUnsupported, cause: err}
	}
	fv.Set(ptr.Elem())
	return nil
}

func jsonName(field reflect.StructField) string {
	if tag := field.Tag.Get("json"); tag != "" {
		if name, _, _ := strings.Cut(tag, ","); name != "" && name != "-" {
			return name
		}
	}
	return field.Name
}

// ParseTag turns a jsonb tag into a Policy.
func ParseTag(tag string) (Policy, error) {
	policy := DefaultPolicy
	for i, opt := range strings.Split(tag, ",") {
		opt = strings.TrimSpace(opt)
		if opt == "" {
			continue
		}

		name, value, hasValue := strings.Cut(opt, "=")
		if !hasValue {
			if i != 0 {
				return Policy{}, fmt.Errorf("preset %q must come first", name)
			}
			switch name {
			case "default":
				policy = DefaultPolicy
			case "metadata":
				policy = MetadataPolicy
			case "settings":
				policy = SettingsPolicy()
			default:
				return Policy{}, fmt.Errorf("unknown preset %q", name)
			}
			continue
		}

		switch name {
		case "depth", "size":
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return Policy{}, fmt.Errorf("%s must be a positive integer, got %q", name, value)
			}
			if name == "depth" {
				policy.MaxDepth = n
			} else {
				policy.MaxSizeBytes = n
			}
		case "keys":
			policy.AllowedKeys = strings.Split(value, "|")
		default:
			return Policy{}, fmt.Errorf("unknown option %q", name)
		}
	}
	return policy, nil
}
