package value

import (
	"encoding/json"
	"testing"
)

func TestTruthy(t *testing.T) {
	cases := []struct {
		v    Value
		want bool
	}{
		{Null, false},
		{Bool(false), false},
		{Bool(true), true},
		{Int(0), false},
		{Int(1), true},
		{Float(0), false},
		{String(""), false},
		{String("x"), true},
		{Array(), false},
		{Array(Int(1)), true},
		{Map(nil), false},
		{Map(map[string]Value{"a": Int(1)}), true},
	}
	for _, c := range cases {
		if got := c.v.Truthy(); got != c.want {
			t.Errorf("Truthy(%v) = %v, want %v", c.v.Kind(), got, c.want)
		}
	}
}

func TestEqualCrossNumeric(t *testing.T) {
	if !Equal(Int(3), Float(3.0)) {
		t.Error("expected Int(3) == Float(3.0)")
	}
	if Equal(Int(3), Float(3.5)) {
		t.Error("expected Int(3) != Float(3.5)")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	orig := Array(Map(map[string]Value{"a": Int(1)}))
	clone := orig.Clone()

	origArr, _ := orig.Array()
	origMap, _ := origArr[0].Map()
	origMap["a"] = Int(99)

	cloneArr, _ := clone.Array()
	cloneMap, _ := cloneArr[0].Map()
	got, _ := cloneMap["a"].Int()
	if got != 1 {
		t.Errorf("clone was mutated by original write: got %d, want 1", got)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	v := Map(map[string]Value{
		"name":  String("world"),
		"count": Int(3),
		"ratio": Float(1.5),
		"tags":  Array(String("a"), String("b")),
		"nil":   Null,
	})

	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var back Value
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if !Equal(v, back) {
		t.Errorf("round trip mismatch: %+v != %+v", v.Native(), back.Native())
	}
}

func TestPath(t *testing.T) {
	v := FromNative(map[string]any{
		"user": map[string]any{
			"addresses": []any{
				map[string]any{"city": "NYC"},
			},
		},
	})

	got, ok := v.Path("user.addresses.0.city")
	if !ok {
		t.Fatal("expected path to resolve")
	}
	s, _ := got.String()
	if s != "NYC" {
		t.Errorf("got %q, want NYC", s)
	}

	if _, ok := v.Path("user.addresses.5.city"); ok {
		t.Error("expected out-of-range index to fail")
	}
	if _, ok := v.Path("user.missing"); ok {
		t.Error("expected missing key to fail")
	}
}
