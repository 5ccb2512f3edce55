package hujsonx

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestUnmarshal(t *testing.T) {
	t.Run("with comments and trailing commas", func(t *testing.T) {
		input := []byte(`{
			// the version
			"Version": 1,
			"Names": ["a", "b",],
		}`)
		type document struct {
			Version int
			Names   []string
		}
		var doc document
		if err := Unmarshal(input, &doc); err != nil {
			t.Fatal(err)
		}
		expect := document{Version: 1, Names: []string{"a", "b"}}
		if diff := cmp.Diff(expect, doc); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("with invalid input", func(t *testing.T) {
		var doc map[string]any
		if err := Unmarshal([]byte(`{`), &doc); err == nil {
			t.Fatal("expected an error")
		}
	})

	t.Run("with a type mismatch", func(t *testing.T) {
		var doc struct{ Version int }
		if err := Unmarshal([]byte(`{"Version": "x"}`), &doc); err == nil {
			t.Fatal("expected an error")
		}
	})
}
