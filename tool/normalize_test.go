package tool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeArgs(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"lowercase and trim", `{"city":"  Berlin "}`, `{"city":"berlin"}`},
		{"sorted keys", `{"b":1,"a":2}`, `{"a":2,"b":1}`},
		{"nested", `{"q":{"Tags":["A ","b"]}}`, `{"q":{"Tags":["a","b"]}}`},
		{"numbers verbatim", `{"n":1.50,"big":12345678901234567890}`, `{"big":12345678901234567890,"n":1.50}`},
		{"no html escaping", `{"s":"<a>&"}`, `{"s":"<a>&"}`},
		{"non json", `city=Berlin`, `city=Berlin`},
		{"trailing garbage", `{"a":1} x`, `{"a":1} x`},
		{"empty", ``, ``},
		{"scalar", `" HELLO "`, `"hello"`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, NormalizeArgs(tc.in))
		})
	}
}

func TestNormalizeArgsIdempotent(t *testing.T) {
	inputs := []string{
		`{"City":" MÜNCHEN ","days":[1,2,{"Unit":"Celsius"}],"flag":true,"none":null}`,
		`not json at all`,
		`[" X ", 3.0e2]`,
		`{"s":"éÉ \t"}`,
	}
	for _, in := range inputs {
		once := NormalizeArgs(in)
		assert.Equal(t, once, NormalizeArgs(once), in)
	}
}

func TestCallKey(t *testing.T) {
	assert.Equal(t, "lookup:{}", CallKey("lookup", "{}"))
	assert.Equal(t,
		CallKey("weather", NormalizeArgs(`{"city":"Berlin","unit":"C"}`)),
		CallKey("weather", NormalizeArgs(`{ "unit":"c", "city":" berlin" }`)),
	)
}
