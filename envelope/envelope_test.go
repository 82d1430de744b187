package envelope

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestTextSuccess(t *testing.T) {
	res := Text("hello", "world")
	if res.IsError {
		t.Fatal("Text() IsError = true, want false")
	}
	if got, want := len(res.Content), 2; got != want {
		t.Fatalf("len(Content) = %d, want %d", got, want)
	}
	for _, seg := range res.Content {
		if seg.Type != "text" {
			t.Fatalf("segment type = %q, want %q", seg.Type, "text")
		}
	}
	if got, want := res.Content[0].Text, "hello"; got != want {
		t.Fatalf("Content[0].Text = %q, want %q", got, want)
	}
}

func TestFailureShape(t *testing.T) {
	res := Failure(CodeInvalidParams, "query is required")
	if !res.IsError {
		t.Fatal("Failure() IsError = false, want true")
	}
	if res.Err == nil {
		t.Fatal("Failure() Err = nil")
	}
	if got, want := res.Err.Code, CodeInvalidParams; got != want {
		t.Fatalf("Err.Code = %q, want %q", got, want)
	}
	if got, want := res.Content[0].Text, "Error: query is required"; got != want {
		t.Fatalf("Content[0].Text = %q, want %q", got, want)
	}
}

type codedErr struct{ code ErrorCode }

func (e codedErr) Error() string           { return "boom" }
func (e codedErr) EnvelopeCode() ErrorCode { return e.code }

func TestFailureFromError(t *testing.T) {
	res := FailureFromError(codedErr{code: CodeHTTPError})
	if got, want := res.Err.Code, CodeHTTPError; got != want {
		t.Fatalf("Err.Code = %q, want %q", got, want)
	}

	wrapped := FailureFromError(errors.Join(errors.New("outer"), codedErr{code: CodeCsrfUnavailable}))
	if got, want := wrapped.Err.Code, CodeCsrfUnavailable; got != want {
		t.Fatalf("wrapped Err.Code = %q, want %q", got, want)
	}

	plain := FailureFromError(errors.New("plain"))
	if got, want := plain.Err.Code, CodeInternal; got != want {
		t.Fatalf("plain Err.Code = %q, want %q", got, want)
	}
}

func TestJSONSuccess(t *testing.T) {
	res := JSON(map[string]any{"ok": true})
	if res.IsError {
		t.Fatal("JSON() IsError = true, want false")
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(res.Content[0].Text), &decoded); err != nil {
		t.Fatalf("content is not JSON: %v", err)
	}
	if decoded["ok"] != true {
		t.Fatalf("decoded = %v, want ok=true", decoded)
	}
}

const sampleXML = `<?xml version="1.0" encoding="UTF-8"?>
<adtcore:objectReferences xmlns:adtcore="http://www.sap.com/adt/core">
  <adtcore:objectReference adtcore:uri="/sap/bc/adt/programs/programs/zdemo" adtcore:type="PROG/P" adtcore:name="ZDEMO" adtcore:packageName="ZPKG"/>
  <adtcore:objectReference adtcore:uri="/sap/bc/adt/oo/classes/zcl_demo" adtcore:type="CLAS/OC" adtcore:name="ZCL_DEMO" adtcore:packageName="ZPKG"/>
</adtcore:objectReferences>`

func TestNormalizeXMLRoundTrip(t *testing.T) {
	n := NewNormalizer(nil)
	res := n.Normalize(sampleXML)
	if res.IsError {
		t.Fatal("Normalize() IsError = true, want false")
	}
	if got, want := len(res.Content), 1; got != want {
		t.Fatalf("len(Content) = %d, want %d", got, want)
	}

	var tree map[string]any
	if err := json.Unmarshal([]byte(res.Content[0].Text), &tree); err != nil {
		t.Fatalf("normalized content is not JSON: %v", err)
	}

	// Namespace prefixes must be stripped from elements and attributes.
	refs, ok := tree["objectReferences"].(map[string]any)
	if !ok {
		t.Fatalf("objectReferences missing, tree = %v", tree)
	}
	list, ok := refs["objectReference"].([]any)
	if !ok {
		t.Fatalf("objectReference missing or not a list, refs = %v", refs)
	}
	if got, want := len(list), 2; got != want {
		t.Fatalf("len(objectReference) = %d, want %d", got, want)
	}
	first := list[0].(map[string]any)
	if got, want := first["name"], "ZDEMO"; got != want {
		t.Fatalf("name = %v, want %v", got, want)
	}
	if got, want := first["packageName"], "ZPKG"; got != want {
		t.Fatalf("packageName = %v, want %v", got, want)
	}
	if _, leaked := first["adtcore:name"]; leaked {
		t.Fatal("namespace prefix leaked into attribute key")
	}
}

func TestNormalizeTextCollapse(t *testing.T) {
	n := NewNormalizer(nil)
	res := n.Normalize(`<?xml version="1.0"?><root><name>ZDEMO</name><count>3</count></root>`)

	var tree map[string]any
	if err := json.Unmarshal([]byte(res.Content[0].Text), &tree); err != nil {
		t.Fatalf("normalized content is not JSON: %v", err)
	}
	root := tree["root"].(map[string]any)
	if got, want := root["name"], "ZDEMO"; got != want {
		t.Fatalf("name = %v, want %v", got, want)
	}
	if got, want := root["count"], "3"; got != want {
		t.Fatalf("count = %v, want %v", got, want)
	}
}

func TestNormalizePreservesLeadingPrefix(t *testing.T) {
	n := NewNormalizer(nil)
	body := "REPORT zdemo.\n" + `<?xml version="1.0"?><root><name>X</name></root>`
	res := n.Normalize(body)
	if got, want := len(res.Content), 2; got != want {
		t.Fatalf("len(Content) = %d, want %d", got, want)
	}
	if got, want := res.Content[0].Text, "REPORT zdemo."; got != want {
		t.Fatalf("prefix segment = %q, want %q", got, want)
	}
	if !strings.Contains(res.Content[1].Text, `"name"`) {
		t.Fatalf("second segment not converted: %q", res.Content[1].Text)
	}
}

func TestNormalizeNonXMLIdempotent(t *testing.T) {
	n := NewNormalizer(nil)
	inputs := []string{
		"plain ABAP source listing",
		`{"already":"json"}`,
		"",
	}
	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			once := n.Normalize(in)
			if once.IsError {
				t.Fatal("IsError = true, want false")
			}
			if got, want := once.Content[0].Text, in; got != want {
				t.Fatalf("Normalize() = %q, want %q", got, want)
			}
			twice := n.Normalize(once.Content[0].Text)
			if got, want := twice.Content[0].Text, in; got != want {
				t.Fatalf("Normalize(Normalize()) = %q, want %q", got, want)
			}
		})
	}
}

func TestNormalizeMalformedXMLFallsBack(t *testing.T) {
	n := NewNormalizer(nil)
	malformed := `<?xml version="1.0"?><root><unclosed>`
	res := n.Normalize(malformed)
	if res.IsError {
		t.Fatal("IsError = true, want false")
	}
	if got, want := res.Content[0].Text, malformed; got != want {
		t.Fatalf("Normalize(malformed) = %q, want original text", got)
	}
	// Doing it twice yields the same result as once.
	again := n.Normalize(res.Content[0].Text)
	if got, want := again.Content[0].Text, malformed; got != want {
		t.Fatalf("second Normalize = %q, want original text", got)
	}
}
