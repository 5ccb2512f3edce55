package erroror

import (
	"errors"
	"testing"
)

func TestValue(t *testing.T) {
	expected := errors.New("mocked error")
	v := &Value[string]{Err: expected, Value: "DIRECT"}
	value, err := v.Unwrap()
	if value != "DIRECT" || !errors.Is(err, expected) {
		t.Fatal("unexpected result", value, err)
	}
}
