package json

import (
	"testing"
)

type testStruct struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

func TestCodecEncode(t *testing.T) {
	codec := New()

	data := testStruct{Name: "test", Value: 42}

	encoded, err := codec.Encode(data)
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}

	expected := `{"name":"test","value":42}`
	if string(encoded) != expected {
		t.Errorf("Expected %s, got %s", expected, string(encoded))
	}
}

func TestCodecDecode(t *testing.T) {
	codec := New()

	data := []byte(`{"name":"test","value":42}`)

	var result testStruct
	err := codec.Decode(data, &result)
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}

	if result.Name != "test" {
		t.Errorf("Expected name 'test', got '%s'", result.Name)
	}

	if result.Value != 42 {
		t.Errorf("Expected value 42, got %d", result.Value)
	}
}

func TestCodecDecodeInvalid(t *testing.T) {
	codec := New()

	var result testStruct
	if err := codec.Decode([]byte(`{not json`), &result); err == nil {
		t.Error("Expected an error for invalid JSON")
	}
}
