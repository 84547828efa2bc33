package jsonb

import (
	"errors"
	"strings"
	"testing"

	"github.com/giantswarm/reqguard/internal/testutil"
)

type profileUpdate struct {
	DisplayName string         `json:"display_name"`
	Metadata    map[string]any `json:"metadata" jsonb:"metadata"`
	Settings    map[string]any `json:"settings" jsonb:"settings,keys=theme|language"`
	Payload     any            `json:"payload,omitempty" jsonb:"depth=2,size=64"`
}

type wrapped struct {
	Update profileUpdate
	Extra  *profileUpdate
}

func TestParseTag(t *testing.T) {
	tests := []struct {
		tag     string
		want    Policy
		wantErr bool
	}{
		{tag: "", want: DefaultPolicy},
		{tag: "default", want: DefaultPolicy},
		{tag: "metadata", want: MetadataPolicy},
		{tag: "settings", want: SettingsPolicy()},
		{tag: "metadata,depth=3", want: Policy{MaxDepth: 3, MaxSizeBytes: 50 * 1024}},
		{tag: "depth=4, size=128", want: Policy{MaxDepth: 4, MaxSizeBytes: 128}},
		{tag: "settings,keys=a|b", want: Policy{MaxDepth: 8, MaxSizeBytes: 100 * 1024, AllowedKeys: []string{"a", "b"}}},
		{tag: "depth=3,metadata", wantErr: true},
		{tag: "unknown", wantErr: true},
		{tag: "depth=0", wantErr: true},
		{tag: "size=abc", wantErr: true},
		{tag: "color=red", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			got, err := ParseTag(tt.tag)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseTag(%q) error = %v, wantErr %v", tt.tag, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.MaxDepth != tt.want.MaxDepth || got.MaxSizeBytes != tt.want.MaxSizeBytes {
				t.Errorf("ParseTag(%q) = %+v, want %+v", tt.tag, got, tt.want)
			}
			if strings.Join(got.AllowedKeys, "|") != strings.Join(tt.want.AllowedKeys, "|") {
				t.Errorf("AllowedKeys = %v, want %v", got.AllowedKeys, tt.want.AllowedKeys)
			}
		})
	}
}

func TestValidateStruct_Sanitizes(t *testing.T) {
	in := profileUpdate{
		DisplayName: "__proto__",
		Metadata:    map[string]any{"source": "web", "__proto__": map[string]any{"admin": true}},
		Settings:    map[string]any{"theme": "dark", "constructor": "x"},
		Payload:     []any{"a", "b"},
	}

	if err := ValidateStruct(&in); err != nil {
		t.Fatalf("ValidateStruct() error = %v", err)
	}
	if in.DisplayName != "__proto__" {
		t.Error("untagged string field must not be touched")
	}
	if _, ok := in.Metadata["__proto__"]; ok {
		t.Error("reserved key survived in metadata")
	}
	if in.Metadata["source"] != "web" {
		t.Errorf("metadata = %v", in.Metadata)
	}
	if _, ok := in.Settings["constructor"]; ok {
		t.Error("reserved key survived in settings")
	}
}

func TestValidateStruct_FieldErrors(t *testing.T) {
	tests := []struct {
		name      string
		in        profileUpdate
		wantField string
		wantErr   error
		wantMsg   string
	}{
		{
			name:      "disallowed settings key",
			in:        profileUpdate{Settings: map[string]any{"theme": "x", "role": "admin"}},
			wantField: "settings",
			wantErr:   ErrDisallowedKeys,
			wantMsg:   "Invalid JSONB keys: role. Allowed: theme, language",
		},
		{
			name:      "metadata too deep",
			in:        profileUpdate{Metadata: testutil.Nested(6, 1).(map[string]any)},
			wantField: "metadata",
			wantErr:   ErrTooDeep,
			wantMsg:   "JSONB object too deeply nested: depth 6 (max: 5)",
		},
		{
			name:      "payload too large",
			in:        profileUpdate{Payload: strings.Repeat("x", 100)},
			wantField: "payload",
			wantErr:   ErrTooLarge,
			wantMsg:   "JSONB object too large: 102 bytes (max: 64 bytes)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := tt.in
			err := ValidateStruct(&in)

			var fieldErr *FieldError
			if !errors.As(err, &fieldErr) {
				t.Fatalf("error = %v, want *FieldError", err)
			}
			if fieldErr.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", fieldErr.Field, tt.wantField)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			if err.Error() != tt.wantMsg {
				t.Errorf("message = %q, want %q", err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestValidateStruct_CircularPayload(t *testing.T) {
	loop := map[string]any{}
	loop["self"] = loop
	in := profileUpdate{Payload: loop}

	err := ValidateStruct(&in)
	if !errors.Is(err, ErrCircularReference) {
		t.Fatalf("error = %v, want ErrCircularReference", err)
	}
	if err.Error() != "JSONB object contains circular references" {
		t.Errorf("message = %q", err.Error())
	}
}

func TestValidateStruct_DescendsIntoUntaggedStructs(t *testing.T) {
	in := wrapped{
		Update: profileUpdate{Metadata: map[string]any{"prototype": 1, "ok": 2}},
		Extra:  &profileUpdate{Settings: map[string]any{"bogus": true}},
	}

	err := ValidateStruct(&in)
	if !errors.Is(err, ErrDisallowedKeys) {
		t.Fatalf("error = %v, want ErrDisallowedKeys from the pointer field", err)
	}
	if _, ok := in.Update.Metadata["prototype"]; ok {
		t.Error("embedded struct field was not sanitized before the failure")
	}
}

func TestValidateStruct_NilFields(t *testing.T) {
	in := profileUpdate{}
	if err := ValidateStruct(&in); err != nil {
		t.Fatalf("ValidateStruct() error = %v", err)
	}
	if in.Metadata != nil || in.Settings != nil || in.Payload != nil {
		t.Errorf("nil fields changed: %+v", in)
	}
}

func TestValidateStruct_TypedField(t *testing.T) {
	type labels struct {
		Labels map[string]string `json:"labels" jsonb:"depth=1"`
	}
	in := labels{Labels: map[string]string{"env": "prod", "__proto__": "x"}}

	if err := ValidateStruct(&in); err != nil {
		t.Fatalf("ValidateStruct() error = %v", err)
	}
	if len(in.Labels) != 1 || in.Labels["env"] != "prod" {
		t.Errorf("Labels = %v, want only env", in.Labels)
	}
}

func TestValidateStruct_RejectsNonStructPointer(t *testing.T) {
	var m map[string]any
	for _, dst := range []any{nil, profileUpdate{}, &m, (*profileUpdate)(nil)} {
		if err := ValidateStruct(dst); err == nil {
			t.Errorf("ValidateStruct(%T) expected error", dst)
		}
	}
}

func TestValidateStruct_BadTag(t *testing.T) {
	type bad struct {
		Data any `jsonb:"depth=-1"`
	}
	err := ValidateStruct(&bad{Data: 1})
	if err == nil || !strings.Contains(err.Error(), "field Data") {
		t.Errorf("error = %v, want tag error naming the field", err)
	}
}
