package anthropic

import (
	"strings"
	"testing"

	"github.com/tidwall/gjson"
)

func TestCleanInputSchemaDropsUnsupportedKeys(t *testing.T) {
	in := `{"type":"object","$schema":"http://json-schema.org/draft-07","additionalProperties":false,
	"properties":{"count":{"type":"integer","minimum":1,"maximum":10,"default":5}}}`

	out := CleanInputSchema(in)

	for _, key := range []string{"$schema", "additionalProperties"} {
		if gjson.Get(out, key).Exists() {
			t.Fatalf("expected %s to be removed, got %s", key, out)
		}
	}
	if gjson.Get(out, "properties.count.default").Exists() {
		t.Fatalf("expected default to be removed, got %s", out)
	}
	if gjson.Get(out, "properties.count.minimum").Exists() {
		t.Fatalf("expected minimum to be folded into description, got %s", out)
	}
	desc := gjson.Get(out, "properties.count.description").String()
	if !strings.Contains(desc, "minimum=1") || !strings.Contains(desc, "maximum=10") {
		t.Fatalf("expected constraints folded into description, got %q", desc)
	}
}

func TestCleanInputSchemaCollapsesNullUnion(t *testing.T) {
	in := `{"type":["string","null"]}`
	out := CleanInputSchema(in)
	if got := gjson.Get(out, "type").String(); got != "STRING" {
		t.Fatalf("expected collapsed+uppercased type STRING, got %q", got)
	}
}

func TestCleanInputSchemaUppercasesTypeRecursively(t *testing.T) {
	in := `{"type":"object","properties":{"items":{"type":"array","items":{"type":"string"}}}}`
	out := CleanInputSchema(in)
	if gjson.Get(out, "type").String() != "OBJECT" {
		t.Fatalf("expected root type OBJECT, got %s", out)
	}
	if gjson.Get(out, "properties.items.type").String() != "ARRAY" {
		t.Fatalf("expected nested type ARRAY, got %s", out)
	}
	if gjson.Get(out, "properties.items.items.type").String() != "STRING" {
		t.Fatalf("expected items.items type STRING, got %s", out)
	}
}

func TestCleanInputSchemaIsIdempotent(t *testing.T) {
	in := `{"type":["string","null"],"$schema":"x","properties":{"n":{"type":"integer","minimum":0}}}`
	once := CleanInputSchema(in)
	twice := CleanInputSchema(once)
	if once != twice {
		t.Fatalf("expected idempotent cleaning, got first=%s second=%s", once, twice)
	}
}
