package toolregistry

import (
	"reflect"
	"testing"

	"goa.design/conduit/message"
)

func TestParseFunctionCallsSingleInvoke(t *testing.T) {
	block := `<function_calls>
  <invoke name="ls">
    <parameters>
      <parameter name="path">"/tmp"</parameter>
    </parameters>
  </invoke>
</function_calls>`

	calls, err := ParseFunctionCalls(block)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Function != "ls" {
		t.Fatalf("expected function ls, got %q", calls[0].Function)
	}
	if calls[0].Arguments["path"] != "/tmp" {
		t.Fatalf("expected path argument /tmp, got %+v", calls[0].Arguments)
	}
}

func TestParseFunctionCallsMultipleInvokesAndArgTypes(t *testing.T) {
	block := `<function_calls>
  <invoke name="search">
    <parameters>
      <parameter name="query">"files in /tmp"</parameter>
      <parameter name="limit">10</parameter>
      <parameter name="recursive">true</parameter>
    </parameters>
  </invoke>
  <invoke name="ls">
    <parameters>
      <parameter name="path">"/var"</parameter>
    </parameters>
  </invoke>
</function_calls>`

	calls, err := ParseFunctionCalls(block)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[0].Arguments["limit"] != float64(10) {
		t.Fatalf("expected limit to decode as a JSON number, got %+v (%T)", calls[0].Arguments["limit"], calls[0].Arguments["limit"])
	}
	if calls[0].Arguments["recursive"] != true {
		t.Fatalf("expected recursive to decode as a JSON bool, got %+v", calls[0].Arguments["recursive"])
	}
	if calls[1].Function != "ls" {
		t.Fatalf("expected second call to be ls, got %q", calls[1].Function)
	}
}

func TestParseFunctionCallsRejectsNonJSONParameterValue(t *testing.T) {
	block := `<function_calls>
  <invoke name="ls">
    <parameters>
      <parameter name="path">/tmp</parameter>
    </parameters>
  </invoke>
</function_calls>`

	if _, err := ParseFunctionCalls(block); err == nil {
		t.Fatalf("expected an error for a bare (non-JSON-quoted) string parameter value")
	}
}

func TestParseFunctionCallsRejectsMissingName(t *testing.T) {
	block := `<function_calls>
  <invoke>
    <parameters></parameters>
  </invoke>
</function_calls>`

	if _, err := ParseFunctionCalls(block); err == nil {
		t.Fatalf("expected an error for an invoke missing its name attribute")
	}
}

func TestParseFunctionCallsNoArguments(t *testing.T) {
	block := `<function_calls>
  <invoke name="ping"></invoke>
</function_calls>`

	calls, err := ParseFunctionCalls(block)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(calls) != 1 || len(calls[0].Arguments) != 0 {
		t.Fatalf("expected 1 call with no arguments, got %+v", calls)
	}
}

// TestParseSerializeFunctionCallsRoundTrip is spec.md §8's tool-call XML
// round-trip law: parse(serialize(call)) == call, modulo the wire-assigned
// ID that only ParseFunctionCalls produces.
func TestParseSerializeFunctionCallsRoundTrip(t *testing.T) {
	calls := []message.ToolCallBlock{
		{Function: "search", Arguments: map[string]any{
			"query": "quoted \"value\" & <tag>",
			"limit": float64(5),
			"safe":  true,
		}},
		{Function: "ping", Arguments: map[string]any{}},
	}

	block, err := SerializeFunctionCalls(calls)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	got, err := ParseFunctionCalls(block)
	if err != nil {
		t.Fatalf("parse: %v\nblock:\n%s", err, block)
	}
	if len(got) != len(calls) {
		t.Fatalf("expected %d calls back, got %d", len(calls), len(got))
	}
	for i, want := range calls {
		if got[i].Function != want.Function {
			t.Fatalf("call %d: expected function %q, got %q", i, want.Function, got[i].Function)
		}
		if !reflect.DeepEqual(got[i].Arguments, want.Arguments) {
			t.Fatalf("call %d: expected arguments %+v, got %+v", i, want.Arguments, got[i].Arguments)
		}
	}
}
