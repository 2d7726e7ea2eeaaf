package params

import (
	"reflect"
	"testing"
)

func TestNumbers(t *testing.T) {
	p := map[string]interface{}{
		"int":    30,
		"int64":  int64(12),
		"float":  7.5,
		"string": "4.25",
		"bogus":  "soon",
	}

	floats := []struct {
		key  string
		want float64
	}{
		{"int", 30},
		{"int64", 12},
		{"string", 4.25},
		{"bogus", 1},
		{"missing", 1},
	}
	for _, tt := range floats {
		if got := Float(p, tt.key, 1); got != tt.want {
			t.Errorf("Float(%s) = %v, want %v", tt.key, got, tt.want)
		}
	}

	if got := Int(p, "float", 0); got != 7 {
		t.Errorf("Int(float) = %d, want 7", got)
	}
	if got := Int(p, "missing", 9); got != 9 {
		t.Errorf("Int(missing) = %d, want 9", got)
	}
}

func TestStringsAndCollections(t *testing.T) {
	p := map[string]interface{}{
		"prompt": "cats",
		"empty":  "",
		"motion": map[string]string{"eye": "blink_slow"},
		"scenes": []map[string]interface{}{{"index": 0}},
		"words":  []string{"a", "b"},
	}

	strs := []struct {
		key  string
		want string
	}{
		{"prompt", "cats"},
		{"empty", "x"},
		{"motion", "x"},
	}
	for _, tt := range strs {
		if got := String(p, tt.key, "x"); got != tt.want {
			t.Errorf("String(%s) = %q, want %q", tt.key, got, tt.want)
		}
	}

	if got := Map(p, "motion"); !reflect.DeepEqual(got, map[string]interface{}{"eye": "blink_slow"}) {
		t.Errorf("Map(motion) = %v", got)
	}
	if got := Map(p, "prompt"); got != nil {
		t.Errorf("Map(prompt) = %v, want nil", got)
	}

	if got := List(p, "scenes"); len(got) != 1 {
		t.Errorf("len(List(scenes)) = %d, want 1", len(got))
	}
	if got := List(p, "words"); !reflect.DeepEqual(got, []interface{}{"a", "b"}) {
		t.Errorf("List(words) = %v", got)
	}
	if got := List(p, "prompt"); got != nil {
		t.Errorf("List(prompt) = %v, want nil", got)
	}

	for v, want := range map[interface{}]string{2.5: "2.5", 3: "3"} {
		if got := Stringify(v); got != want {
			t.Errorf("Stringify(%v) = %q, want %q", v, got, want)
		}
	}
	if got := Stringify(nil); got != "" {
		t.Errorf("Stringify(nil) = %q, want empty", got)
	}
}
