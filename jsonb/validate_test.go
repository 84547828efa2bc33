package jsonb

import (
	"encoding/json"
	"errors"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/giantswarm/reqguard/internal/testutil"
)

func TestValidate_NilPassesThrough(t *testing.T) {
	var nilMap map[string]any
	var nilSlice []any
	var nilPtr *struct{}

	for _, v := range []any{nil, nilMap, nilSlice, nilPtr} {
		got, err := Validate(v, DefaultPolicy)
		if err != nil {
			t.Errorf("Validate(%#v) error = %v", v, err)
		}
		if !reflect.DeepEqual(got, v) {
			t.Errorf("Validate(%#v) = %#v, want input unchanged", v, got)
		}
	}
}

func TestValidate_Scalars(t *testing.T) {
	for _, v := range []any{"hello", true, 42, 3.5, json.Number("12")} {
		if _, err := Validate(v, DefaultPolicy); err != nil {
			t.Errorf("Validate(%#v) error = %v", v, err)
		}
	}
}

func TestValidate_DepthBoundary(t *testing.T) {
	policy := Policy{MaxDepth: 10, MaxSizeBytes: DefaultMaxSizeBytes}

	if _, err := Validate(testutil.Nested(10, "leaf"), policy); err != nil {
		t.Errorf("10 levels below the root: error = %v", err)
	}
	if _, err := Validate(testutil.Nested(10, map[string]any{}), policy); err != nil {
		t.Errorf("empty object 10 levels below the root: error = %v", err)
	}

	_, err := Validate(testutil.Nested(11, "leaf"), policy)
	if !errors.Is(err, ErrTooDeep) {
		t.Fatalf("11 levels below the root: error = %v, want ErrTooDeep", err)
	}
	var vErr *Error
	if !errors.As(err, &vErr) || vErr.Actual != 11 || vErr.Limit != 10 {
		t.Errorf("error = %#v, want depth 11 (max 10)", err)
	}
	if got := err.Error(); got != "JSONB object too deeply nested: depth 11 (max: 10)" {
		t.Errorf("message = %q", got)
	}
}

func TestValidate_ArraysCountAsDepth(t *testing.T) {
	policy := Policy{MaxDepth: 2}

	if _, err := Validate([]any{[]any{1}}, policy); err != nil {
		t.Errorf("two levels of arrays: error = %v", err)
	}
	if _, err := Validate([]any{[]any{[]any{1}}}, policy); !errors.Is(err, ErrTooDeep) {
		t.Errorf("three levels of arrays: error = %v, want ErrTooDeep", err)
	}
}

func TestValidate_SizeBoundary(t *testing.T) {
	payload := map[string]any{"note": strings.Repeat("x", 200)}
	size, err := serializedSize(payload)
	if err != nil {
		t.Fatalf("serializedSize() error = %v", err)
	}

	if _, err := Validate(payload, Policy{MaxSizeBytes: size}); err != nil {
		t.Errorf("payload of exactly max size: error = %v", err)
	}

	_, err = Validate(payload, Policy{MaxSizeBytes: size - 1})
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("payload one byte over: error = %v, want ErrTooLarge", err)
	}
	var vErr *Error
	if !errors.As(err, &vErr) || vErr.Actual != size || vErr.Limit != size-1 {
		t.Errorf("error = %#v, want actual %d max %d", err, size, size-1)
	}
}

func TestValidate_SizeIgnoresHTMLEscaping(t *testing.T) {
	// "<>" is two bytes in compact JSON; html escaping would make it twelve.
	size, err := serializedSize("<>")
	if err != nil {
		t.Fatalf("serializedSize() error = %v", err)
	}
	if size != 4 {
		t.Errorf(`serializedSize("<>") = %d, want 4`, size)
	}
}

func TestValidate_SizeCountsUTF8Bytes(t *testing.T) {
	size, _ := serializedSize("é")
	if size != 4 {
		t.Errorf(`serializedSize("é") = %d, want 4 (quotes plus two bytes)`, size)
	}
}

func TestValidate_CircularReference(t *testing.T) {
	root := map[string]any{"name": "root"}
	child := map[string]any{"parent": root}
	root["child"] = child

	for _, policy := range []Policy{DefaultPolicy, {MaxDepth: 1}, {MaxDepth: 1000}} {
		_, err := Validate(root, policy)
		if !errors.Is(err, ErrCircularReference) {
			t.Errorf("policy %+v: error = %v, want ErrCircularReference", policy, err)
		}
	}
}

func TestValidate_SelfReferencingSlice(t *testing.T) {
	s := make([]any, 1)
	s[0] = s

	if _, err := Validate(s, DefaultPolicy); !errors.Is(err, ErrCircularReference) {
		t.Errorf("error = %v, want ErrCircularReference", err)
	}
}

func TestValidate_PointerCycle(t *testing.T) {
	type node struct {
		Name string `json:"name"`
		Next *node  `json:"next"`
	}
	a := &node{Name: "a"}
	b := &node{Name: "b", Next: a}
	a.Next = b

	if _, err := Validate(a, DefaultPolicy); !errors.Is(err, ErrCircularReference) {
		t.Errorf("error = %v, want ErrCircularReference", err)
	}
}

type treeNode struct {
	Name     string      `json:"name"`
	Children []*treeNode `json:"children,omitempty"`
	Parent   *treeNode   `json:"-"`
	owner    *treeNode
}

func TestValidate_BackPointerInSkippedFieldIsNotACycle(t *testing.T) {
	root := &treeNode{Name: "root"}
	child := &treeNode{Name: "child", Parent: root, owner: root}
	root.Children = []*treeNode{child}
	root.owner = root

	got, err := Validate(root, DefaultPolicy)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	children := got.(map[string]any)["children"].([]any)
	first := children[0].(map[string]any)
	if first["name"] != "child" {
		t.Errorf("child = %#v", first)
	}
	if _, ok := first["Parent"]; ok {
		t.Error("field tagged json:\"-\" should not be serialized")
	}
}

func TestValidate_SharedSiblingIsNotACycle(t *testing.T) {
	shared := map[string]any{"color": "blue"}
	value := map[string]any{
		"left":  shared,
		"right": shared,
		"list":  []any{shared, shared},
	}

	got, err := Validate(value, DefaultPolicy)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	out := got.(map[string]any)
	if out["left"].(map[string]any)["color"] != "blue" || out["right"].(map[string]any)["color"] != "blue" {
		t.Errorf("shared sub-object lost: %#v", out)
	}
}

func TestValidate_StripsReservedKeys(t *testing.T) {
	deep := map[string]any{"__proto__": map[string]any{"admin": true}, "keep": 1}
	value := map[string]any{
		"__proto__":   map[string]any{"polluted": true},
		"constructor": "x",
		"name":        "ok",
		"a":           testutil.Nested(4, deep),
		"list":        []any{map[string]any{"prototype": 1, "fine": 2}},
	}

	got, err := Validate(value, DefaultPolicy)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	out := got.(map[string]any)

	if _, ok := out["__proto__"]; ok {
		t.Error("__proto__ at the root was not stripped")
	}
	if _, ok := out["constructor"]; ok {
		t.Error("constructor at the root was not stripped")
	}
	if out["name"] != "ok" {
		t.Error("regular key was lost")
	}

	// Five levels below the root: a -> a -> a -> a -> a(deep)
	level := out["a"]
	for i := 0; i < 4; i++ {
		level = level.(map[string]any)["a"]
	}
	inner := level.(map[string]any)
	if _, ok := inner["__proto__"]; ok {
		t.Error("__proto__ five levels deep was not stripped")
	}
	if inner["keep"] != int64(1) {
		t.Errorf("keep = %#v, want 1", inner["keep"])
	}

	item := out["list"].([]any)[0].(map[string]any)
	if _, ok := item["prototype"]; ok {
		t.Error("prototype inside an array was not stripped")
	}
}

func TestValidate_DoesNotModifyInput(t *testing.T) {
	value := map[string]any{"__proto__": 1, "a": map[string]any{"constructor": 2}}

	if _, err := Validate(value, DefaultPolicy); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if _, ok := value["__proto__"]; !ok {
		t.Error("input map was modified")
	}
	if _, ok := value["a"].(map[string]any)["constructor"]; !ok {
		t.Error("nested input map was modified")
	}
}

func TestValidate_AllowedKeys(t *testing.T) {
	policy := SettingsPolicy("theme", "language")

	if _, err := Validate(map[string]any{"theme": "dark"}, policy); err != nil {
		t.Errorf("allowed key: error = %v", err)
	}

	_, err := Validate(map[string]any{"theme": "dark", "zeta": 1, "alpha": 2}, policy)
	if !errors.Is(err, ErrDisallowedKeys) {
		t.Fatalf("error = %v, want ErrDisallowedKeys", err)
	}
	if got := err.Error(); got != "Invalid JSONB keys: alpha, zeta. Allowed: theme, language" {
		t.Errorf("message = %q", got)
	}
}

func TestValidate_AllowedKeysRootOnly(t *testing.T) {
	policy := SettingsPolicy("theme")
	value := map[string]any{"theme": map[string]any{"anything": "goes"}}

	if _, err := Validate(value, policy); err != nil {
		t.Errorf("nested keys must not be whitelist-checked: error = %v", err)
	}
}

func TestValidate_ReservedKeyIsNotADisallowedKey(t *testing.T) {
	policy := SettingsPolicy("theme")
	value := map[string]any{"theme": "dark", "__proto__": 1}

	if _, err := Validate(value, policy); err != nil {
		t.Errorf("stripped key must not count against the whitelist: error = %v", err)
	}
}

func TestValidate_AllowedKeysIgnoresNonObjects(t *testing.T) {
	if _, err := Validate([]any{"x"}, SettingsPolicy("theme")); err != nil {
		t.Errorf("array root: error = %v", err)
	}
}

func TestValidate_Unsupported(t *testing.T) {
	_, err := Validate(map[string]any{"fn": func() {}}, DefaultPolicy)
	if !errors.Is(err, ErrUnsupported) {
		t.Errorf("error = %v, want ErrUnsupported", err)
	}
}

func TestValidate_TypedContainers(t *testing.T) {
	type prefs struct {
		Theme string   `json:"theme"`
		Tags  []string `json:"tags"`
	}
	value := map[string]any{
		"prefs":  prefs{Theme: "dark", Tags: []string{"a"}},
		"counts": map[int]int{1: 2},
		"labels": map[string]string{"constructor": "x", "ok": "y"},
	}

	got, err := Validate(value, DefaultPolicy)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	out := got.(map[string]any)

	p := out["prefs"].(map[string]any)
	if p["theme"] != "dark" {
		t.Errorf("prefs.theme = %#v", p["theme"])
	}
	if _, ok := out["counts"].(map[string]any)["1"]; !ok {
		t.Error("integer map keys should become strings")
	}
	labels := out["labels"].(map[string]any)
	if _, ok := labels["constructor"]; ok {
		t.Error("reserved key in a typed map was not stripped")
	}
}

type redactedTags []string

func (redactedTags) MarshalJSON() ([]byte, error) {
	return []byte(`"redacted"`), nil
}

type featureFlags map[string]bool

func (f featureFlags) MarshalJSON() ([]byte, error) {
	enabled := make([]string, 0, len(f))
	for name, on := range f {
		if on {
			enabled = append(enabled, name)
		}
	}
	sort.Strings(enabled)
	return json.Marshal(enabled)
}

func TestValidate_CustomMarshalers(t *testing.T) {
	value := map[string]any{
		"tags":  redactedTags{"secret", "internal"},
		"flags": featureFlags{"beta": true, "legacy": false},
	}

	got, err := Validate(value, DefaultPolicy)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	out := got.(map[string]any)
	if out["tags"] != "redacted" {
		t.Errorf("tags = %#v, want the marshaled form", out["tags"])
	}
	if !reflect.DeepEqual(out["flags"], []any{"beta"}) {
		t.Errorf("flags = %#v, want [beta]", out["flags"])
	}
}

func TestValidateJSON(t *testing.T) {
	got, err := ValidateJSON([]byte(`{"__proto__":{"x":1},"n":12345678901234567890}`), DefaultPolicy)
	if err != nil {
		t.Fatalf("ValidateJSON() error = %v", err)
	}
	out := got.(map[string]any)
	if _, ok := out["__proto__"]; ok {
		t.Error("__proto__ was not stripped")
	}
	if out["n"] != json.Number("12345678901234567890") {
		t.Errorf("n = %#v, want exact json.Number", out["n"])
	}

	if v, err := ValidateJSON([]byte(" null "), DefaultPolicy); v != nil || err != nil {
		t.Errorf("null: got %v, %v", v, err)
	}
	if _, err := ValidateJSON([]byte(`{"a":`), DefaultPolicy); !errors.Is(err, ErrUnsupported) {
		t.Errorf("truncated JSON: error = %v, want ErrUnsupported", err)
	}
}

func TestValidate_Concurrent(t *testing.T) {
	shared := map[string]any{"a": []any{1, 2, map[string]any{"__proto__": 1}}}

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := Validate(shared, MetadataPolicy); err != nil {
				t.Errorf("Validate() error = %v", err)
			}
		}()
	}
	wg.Wait()
}

func TestPolicyPresets(t *testing.T) {
	if MetadataPolicy.MaxDepth != 5 || MetadataPolicy.MaxSizeBytes != 50*1024 {
		t.Errorf("MetadataPolicy = %+v", MetadataPolicy)
	}
	s := SettingsPolicy("a")
	if s.MaxDepth != 8 || s.MaxSizeBytes != 100*1024 || len(s.AllowedKeys) != 1 {
		t.Errorf("SettingsPolicy = %+v", s)
	}
	if p := (Policy{}).withDefaults(); p.MaxDepth != 10 || p.MaxSizeBytes != 100*1024 {
		t.Errorf("zero policy defaults = %+v", p)
	}
}
