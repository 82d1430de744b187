package envelope

import (
	"encoding/json"
	"io"
	"log/slog"
	"strings"

	"github.com/clbanning/mxj/v2"
)

const xmlDeclaration = "<?xml"

// Normalizer converts raw ADT response bodies into result envelopes.
// XML payloads are reduced to a simplified JSON tree; everything else
// passes through as plain text. Conversion failures are logged, never
// raised: the caller gets the original body back.
type Normalizer struct {
	logger *slog.Logger
}

func NewNormalizer(logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Normalizer{logger: logger}
}

// Normalize wraps body in a success envelope. When body contains an XML
// declaration, the XML tail is converted to JSON and any non-XML prefix
// is preserved as a separate leading text segment.
func (n *Normalizer) Normalize(body string) Result {
	idx := strings.Index(body, xmlDeclaration)
	if idx < 0 {
		return Text(body)
	}

	prefix := strings.TrimSpace(body[:idx])
	converted := n.ConvertXMLToJSON(body[idx:])
	if prefix != "" {
		return Text(prefix, converted)
	}
	return Text(converted)
}

// ConvertXMLToJSON renders xmlStr as indented JSON with namespace
// prefixes stripped, attributes hoisted to plain keys, and text-only
// nodes collapsed to their text. Malformed XML returns the input
// unchanged.
func (n *Normalizer) ConvertXMLToJSON(xmlStr string) string {
	m, err := mxj.NewMapXml([]byte(xmlStr))
	if err != nil {
		n.logger.Warn("xml to json conversion failed", "error", err)
		return xmlStr
	}
	simplified := simplifyNode(map[string]any(m))
	b, err := json.MarshalIndent(simplified, "", "  ")
	if err != nil {
		n.logger.Warn("xml to json conversion failed", "error", err)
		return xmlStr
	}
	return string(b)
}

// simplifyNode rewrites the mxj parse tree: "-attr" keys lose their
// marker, element and attribute names lose their namespace prefix, and
// a node carrying "#text" collapses to that text.
func simplifyNode(v any) any {
	switch node := v.(type) {
	case map[string]any:
		if text, ok := node["#text"]; ok {
			return text
		}
		out := make(map[string]any, len(node))
		for key, val := range node {
			key = strings.TrimPrefix(key, "-")
			out[stripNamespace(key)] = simplifyNode(val)
		}
		return out
	case []any:
		out := make([]any, len(node))
		for i, item := range node {
			out[i] = simplifyNode(item)
		}
		return out
	default:
		return v
	}
}

// stripNamespace drops a leading "ns:" qualifier, so <adtcore:name> and
// an adtcore:name attribute both surface as "name".
func stripNamespace(key string) string {
	if i := strings.Index(key, ":"); i >= 0 {
		return key[i+1:]
	}
	return key
}
