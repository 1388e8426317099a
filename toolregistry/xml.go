package toolregistry

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"

	"goa.design/conduit/message"
)

// wireFunctionCalls and wireInvoke/wireParameter mirror spec.md §6's
// model-facing tool-call wire format verbatim:
//
//	<function_calls>
//	  <invoke name="TOOL_NAME">
//	    <parameters>
//	      <parameter name="PARAM_NAME">VALUE</parameter>
//	    </parameters>
//	  </invoke>
//	</function_calls>
type wireFunctionCalls struct {
	XMLName string       `xml:"function_calls"`
	Invokes []wireInvoke `xml:"invoke"`
}

type wireInvoke struct {
	Name       string          `xml:"name,attr"`
	Parameters []wireParameter `xml:"parameters>parameter"`
}

type wireParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

// ParseFunctionCalls parses a complete "<function_calls>...</function_calls>"
// block (as extracted verbatim by package streamparse in ModeXML) into one
// message.ToolCallBlock per <invoke>.
//
// Resolves spec.md §8's open question on whether streamed tool-call
// argument values are strict JSON or loose key/value XML sub-elements:
// each <parameter> element's text content MUST be valid JSON (a quoted
// string, a bare number, true/false/null, or a JSON object/array) —
// strict, not a fallback to the literal XML text. A provider emitting
// arguments this way must therefore JSON-encode string values (quotes
// included) rather than writing bare text, matching how every provider
// adapter already encodes native tool-call arguments as a JSON object
// (see provider.Client.Complete's ToolCallBlock.Arguments); this keeps
// the two call paths — native tool-calling APIs and the streamed XML
// fallback — producing identically-typed arguments.
func ParseFunctionCalls(block string) ([]message.ToolCallBlock, error) {
	var parsed wireFunctionCalls
	if err := xml.Unmarshal([]byte(block), &parsed); err != nil {
		return nil, fmt.Errorf("toolregistry: parse function_calls: %w", err)
	}

	calls := make([]message.ToolCallBlock, 0, len(parsed.Invokes))
	for i, inv := range parsed.Invokes {
		if inv.Name == "" {
			return nil, fmt.Errorf("toolregistry: invoke[%d] missing name attribute", i)
		}
		args := make(map[string]any, len(inv.Parameters))
		for _, p := range inv.Parameters {
			var v any
			if err := json.Unmarshal([]byte(p.Value), &v); err != nil {
				return nil, fmt.Errorf("toolregistry: invoke %q parameter %q: value is not strict JSON: %w", inv.Name, p.Name, err)
			}
			args[p.Name] = v
		}
		calls = append(calls, message.ToolCallBlock{
			ID:        fmt.Sprintf("xml_call_%d", i),
			Function:  inv.Name,
			Arguments: args,
		})
	}
	return calls, nil
}

// SerializeFunctionCalls renders calls back into the same
// "<function_calls>...</function_calls>" wire format ParseFunctionCalls
// consumes, encoding each argument value as strict JSON text so the two
// round-trip: ParseFunctionCalls(SerializeFunctionCalls(calls)) reproduces
// every call's Function and Arguments (IDs are wire-assigned on parse and
// are not part of the round-trip, matching spec.md §8's tool-call XML law).
//
// Built by hand rather than via xml.Marshal(wireFunctionCalls{...}): that
// struct's XMLName field is a plain string, not xml.Name, so encoding/xml's
// marshaler doesn't recognize it as the root-name override it is for
// Unmarshal and would emit a "wireFunctionCalls" root with a spurious empty
// "function_calls" child instead.
func SerializeFunctionCalls(calls []message.ToolCallBlock) (string, error) {
	var buf bytes.Buffer
	buf.WriteString("<function_calls>")
	for _, call := range calls {
		buf.WriteString(`<invoke name="`)
		if err := xml.EscapeText(&buf, []byte(call.Function)); err != nil {
			return "", fmt.Errorf("toolregistry: serialize invoke name %q: %w", call.Function, err)
		}
		buf.WriteString(`"><parameters>`)
		for name, value := range call.Arguments {
			encoded, err := json.Marshal(value)
			if err != nil {
				return "", fmt.Errorf("toolregistry: serialize %q parameter %q: %w", call.Function, name, err)
			}
			buf.WriteString(`<parameter name="`)
			if err := xml.EscapeText(&buf, []byte(name)); err != nil {
				return "", fmt.Errorf("toolregistry: serialize %q parameter name %q: %w", call.Function, name, err)
			}
			buf.WriteString(`">`)
			if err := xml.EscapeText(&buf, encoded); err != nil {
				return "", fmt.Errorf("toolregistry: serialize %q parameter %q value: %w", call.Function, name, err)
			}
			buf.WriteString(`</parameter>`)
		}
		buf.WriteString(`</parameters></invoke>`)
	}
	buf.WriteString("</function_calls>")
	return buf.String(), nil
}
