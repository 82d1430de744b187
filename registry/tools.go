package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/workskong/mcp-abap-adt/adt"
	"github.com/workskong/mcp-abap-adt/config"
	"github.com/workskong/mcp-abap-adt/envelope"
)

// service bundles the dependencies every tool handler needs: credential
// resolution, the ADT relay, and response normalization.
type service struct {
	resolver   *config.Resolver
	client     *adt.Client
	normalizer *envelope.Normalizer
}

// fetch resolves credentials, issues one relay call against path
// (relative to the resolved origin), and normalizes the response.
func (s *service) fetch(ctx context.Context, call Call, method, path string, body []byte, contentType string) envelope.Result {
	resp, err := s.raw(ctx, call, method, path, body, contentType)
	if err != nil {
		return envelope.FailureFromError(err)
	}
	if !resp.OK() {
		return envelope.Failure(envelope.CodeHTTPError, fmt.Sprintf("HTTP %d: %s", resp.Status, resp.Body))
	}
	return s.normalizer.Normalize(resp.Body)
}

// raw is fetch without normalization, for handlers that post-process
// the body before building an envelope.
func (s *service) raw(ctx context.Context, call Call, method, path string, body []byte, contentType string) (*adt.Response, error) {
	creds, err := s.resolver.Resolve(call.Overrides)
	if err != nil {
		return nil, err
	}
	return s.client.Do(ctx, adt.Request{
		URL:         creds.BaseURL + path,
		Method:      method,
		Body:        body,
		ContentType: contentType,
		Credentials: creds,
	})
}

// objectType describes one source-retrieval tool: the handlers differ
// only in URL template and parameter naming, so they are generated from
// this table instead of written out one by one.
type objectType struct {
	name        string
	description string
	// params in schema order; all are required.
	params []param
	// template with {param} placeholders, relative to the origin.
	template string
}

type param struct {
	name        string
	description string
}

var objectTypes = []objectType{
	{
		name:        "Get_Program",
		description: "Retrieve ABAP program source code",
		params:      []param{{"program_name", "Program name"}},
		template:    "/sap/bc/adt/programs/programs/{program_name}/source/main",
	},
	{
		name:        "Get_Class",
		description: "Retrieve ABAP class source code",
		params:      []param{{"class_name", "Class name"}},
		template:    "/sap/bc/adt/oo/classes/{class_name}/source/main",
	},
	{
		name:        "Get_Interface",
		description: "Retrieve ABAP interface source code",
		params:      []param{{"interface_name", "Interface name"}},
		template:    "/sap/bc/adt/oo/interfaces/{interface_name}/source/main",
	},
	{
		name:        "Get_Include",
		description: "Retrieve ABAP include source code",
		params:      []param{{"include_name", "Include name"}},
		template:    "/sap/bc/adt/programs/includes/{include_name}/source/main",
	},
	{
		name:        "Get_Function",
		description: "Retrieve ABAP function module source code",
		params: []param{
			{"function_name", "Function module name"},
			{"function_group", "Function group name"},
		},
		template: "/sap/bc/adt/functions/groups/{function_group}/fmodules/{function_name}/source/main",
	},
	{
		name:        "Get_FunctionGroup",
		description: "Retrieve ABAP function group source code",
		params:      []param{{"function_group", "Function group name"}},
		template:    "/sap/bc/adt/functions/groups/{function_group}/source/main",
	},
	{
		name:        "Get_MessageClass",
		description: "Retrieve ABAP message class information",
		params:      []param{{"MessageClass", "Message class name"}},
		template:    "/sap/bc/adt/messageclass/{MessageClass}",
	},
	{
		name:        "GetDDIC_CDS",
		description: "Retrieve CDS view definition",
		params:      []param{{"object_name", "CDS view name"}},
		template:    "/sap/bc/adt/ddic/elementinfo?path={object_name}",
	},
	{
		name:        "GetDDIC_DataElements",
		description: "Retrieve data element definition",
		params:      []param{{"object_name", "Data element name"}},
		template:    "/sap/bc/adt/ddic/dataelements/{object_name}",
	},
	{
		name:        "GetDDIC_Domains",
		description: "Retrieve domain definition",
		params:      []param{{"object_name", "Domain name"}},
		template:    "/sap/bc/adt/ddic/domains/{object_name}",
	},
	{
		name:        "GetDDIC_Structure",
		description: "Retrieve DDIC structure definition",
		params:      []param{{"object_name", "DDIC structure name"}},
		template:    "/sap/bc/adt/ddic/elementinfo?path={object_name}",
	},
	{
		name:        "GetDDIC_Table",
		description: "Retrieve DDIC table definition",
		params:      []param{{"object_name", "Table name"}},
		template:    "/sap/bc/adt/ddic/elementinfo?path={object_name}",
	},
	{
		name:        "GetDDIC_TypeInfo",
		description: "Retrieve DDIC type information",
		params:      []param{{"object_name", "DDIC type name"}},
		template:    "/sap/bc/adt/ddic/elementinfo?path={object_name}",
	},
}

// sourceTool materializes one descriptor into a Tool.
func (s *service) sourceTool(ot objectType) Tool {
	props := make(map[string]Property, len(ot.params))
	required := make([]string, 0, len(ot.params))
	for _, p := range ot.params {
		props[p.name] = Property{Type: "string", Description: p.description}
		required = append(required, p.name)
	}
	return Tool{
		Name:        ot.name,
		Description: ot.description,
		InputSchema: Schema{Type: "object", Properties: props, Required: required},
		Handler: func(ctx context.Context, call Call) envelope.Result {
			path := ot.template
			for _, p := range ot.params {
				path = strings.ReplaceAll(path, "{"+p.name+"}", url.PathEscape(call.String(p.name)))
			}
			return s.fetch(ctx, call, http.MethodGet, path, nil, "")
		},
	}
}

// tools assembles the full registry: table-driven source tools first,
// then the handlers with bespoke request shapes.
func (s *service) tools() []Tool {
	out := make([]Tool, 0, len(objectTypes)+9)
	for _, ot := range objectTypes {
		out = append(out, s.sourceTool(ot))
	}
	out = append(out,
		s.searchObjectTool(),
		s.packageTool(),
		s.transactionTool(),
		s.dataPreviewTool(),
		s.apiReleasesTool(),
		s.runtimeDumpsTool(),
		s.runtimeDumpDetailsTool(),
		s.abapTracesTool(),
		s.abapTracesDetailsTool(),
	)
	return out
}

func (s *service) searchPath(query string, maxResults int) string {
	return fmt.Sprintf("/sap/bc/adt/repository/informationsystem/search?operation=quickSearch&query=%s*&maxResults=%d",
		url.QueryEscape(query), maxResults)
}

func (s *service) searchObjectTool() Tool {
	return Tool{
		Name:        "SearchObject",
		Description: "Search for ABAP objects",
		InputSchema: Schema{
			Type: "object",
			Properties: map[string]Property{
				"query":      {Type: "string", Description: "Search query (supports wildcards like *)"},
				"maxResults": {Type: "number", Description: "Max results", Default: 100},
			},
			Required: []string{"query"},
		},
		Handler: func(ctx context.Context, call Call) envelope.Result {
			query := call.String("query")
			maxResults := call.Int("maxResults", 100)
			return s.fetch(ctx, call, http.MethodGet, s.searchPath(query, maxResults), nil, "")
		},
	}
}

func (s *service) packageTool() Tool {
	return Tool{
		Name:        "Get_Package",
		Description: "Retrieve ABAP package details",
		InputSchema: Schema{
			Type: "object",
			Properties: map[string]Property{
				"package_name": {Type: "string", Description: "Package name"},
			},
			Required: []string{"package_name"},
		},
		Handler: func(ctx context.Context, call Call) envelope.Result {
			body, err := json.Marshal(map[string]any{
				"parent_type":           "DEVC/K",
				"parent_name":           call.String("package_name"),
				"withShortDescriptions": true,
			})
			if err != nil {
				return envelope.Failure(envelope.CodeInternal, err.Error())
			}
			return s.fetch(ctx, call, http.MethodPost, "/sap/bc/adt/repository/nodestructure", body, "application/json")
		},
	}
}

func (s *service) transactionTool() Tool {
	return Tool{
		Name:        "Get_Transaction",
		Description: "Retrieve ABAP transaction details",
		InputSchema: Schema{
			Type: "object",
			Properties: map[string]Property{
				"transaction_name": {Type: "string", Description: "Transaction name"},
			},
			Required: []string{"transaction_name"},
		},
		Handler: func(ctx context.Context, call Call) envelope.Result {
			encoded := url.QueryEscape(call.String("transaction_name"))
			path := "/sap/bc/adt/repository/informationsystem/objectproperties/values" +
				"?uri=%2Fsap%2Fbc%2Fadt%2Fvit%2Fwb%2Fobject_type%2Ftrant%2Fobject_name%2F" + encoded +
				"&facet=package&facet=appl"
			return s.fetch(ctx, call, http.MethodGet, path, nil, "")
		},
	}
}

func (s *service) dataPreviewTool() Tool {
	return Tool{
		Name:        "DataPreview",
		Description: "Preview ABAP data for a DDIC entity",
		InputSchema: Schema{
			Type: "object",
			Properties: map[string]Property{
				"ddicEntityName": {Type: "string", Description: "DDIC entity name"},
				"rowNumber":      {Type: "number", Description: "Number of rows to retrieve", Default: 100},
			},
			Required: []string{"ddicEntityName"},
		},
		Handler: func(ctx context.Context, call Call) envelope.Result {
			path := fmt.Sprintf("/sap/bc/adt/datapreview/ddic?rowNumber=%d&ddicEntityName=%s",
				call.Int("rowNumber", 100), url.QueryEscape(call.String("ddicEntityName")))
			return s.fetch(ctx, call, http.MethodPost, path, nil, "")
		},
	}
}

var objectReferenceURI = regexp.MustCompile(`<adtcore:objectReference[^>]*uri="([^"]*)"`)

func (s *service) apiReleasesTool() Tool {
	return Tool{
		Name:        "API_Releases",
		Description: "Retrieve API Release information for an ADT object",
		InputSchema: Schema{
			Type: "object",
			Properties: map[string]Property{
				"query": {Type: "string", Description: "ADT object search query (e.g. SBOOK)"},
			},
			Required: []string{"query"},
		},
		// Search first, then look up the release state of the best match.
		Handler: func(ctx context.Context, call Call) envelope.Result {
			searchResp, err := s.raw(ctx, call, http.MethodGet, s.searchPath(call.String("query"), 1), nil, "")
			if err != nil {
				return envelope.FailureFromError(err)
			}
			if !searchResp.OK() {
				return envelope.Failure(envelope.CodeHTTPError, fmt.Sprintf("HTTP %d: %s", searchResp.Status, searchResp.Body))
			}
			m := objectReferenceURI.FindStringSubmatch(searchResp.Body)
			if m == nil {
				// No match: return the search result itself.
				return s.normalizer.Normalize(searchResp.Body)
			}
			path := "/sap/bc/adt/apireleases/" + url.QueryEscape(m[1])
			return s.fetch(ctx, call, http.MethodGet, path, nil, "")
		},
	}
}

// compactTimestamp strips dashes/colons so callers may pass either
// "2026-01-31" or "20260131" (and "12:30:00" or "123000").
func compactTimestamp(s string) string {
	s = strings.ReplaceAll(s, "-", "")
	return strings.ReplaceAll(s, ":", "")
}

// maxDumpEntries bounds the dump list so a busy system cannot flood the
// caller with megabytes of feed.
const maxDumpEntries = 5

func (s *service) runtimeDumpsTool() Tool {
	return Tool{
		Name:        "GetRuntimeDumps",
		Description: "Retrieve ABAP runtime dump list",
		InputSchema: Schema{
			Type: "object",
			Properties: map[string]Property{
				"start_date": {Type: "string", Description: "Start date (YYYY-MM-DD or YYYYMMDD)"},
				"end_date":   {Type: "string", Description: "End date (defaults to start_date)"},
				"start_time": {Type: "string", Description: "Start time (default 000000)"},
				"end_time":   {Type: "string", Description: "End time (default 235959)"},
				"category":   {Type: "string", Description: "Category filter"},
				"maxResults": {Type: "number", Description: "Max results", Default: maxDumpEntries},
			},
			Required: []string{"start_date"},
		},
		Handler: func(ctx context.Context, call Call) envelope.Result {
			startDate := compactTimestamp(call.String("start_date"))
			endDate := compactTimestamp(call.String("end_date"))
			if endDate == "" {
				endDate = startDate
			}
			startTime := compactTimestamp(call.String("start_time"))
			if startTime == "" {
				startTime = "000000"
			}
			endTime := compactTimestamp(call.String("end_time"))
			if endTime == "" {
				endTime = "235959"
			}
			maxResults := call.Int("maxResults", maxDumpEntries)
			if maxResults > maxDumpEntries {
				maxResults = maxDumpEntries
			}

			path := fmt.Sprintf("/sap/bc/adt/runtime/dumps?from=%s%s&to=%s%s", startDate, startTime, endDate, endTime)
			resp, err := s.raw(ctx, call, http.MethodGet, path, nil, "")
			if err != nil {
				return envelope.FailureFromError(err)
			}
			if !resp.OK() {
				return envelope.Failure(envelope.CodeHTTPError, fmt.Sprintf("HTTP %d: %s", resp.Status, resp.Body))
			}

			idx := strings.Index(resp.Body, "<?xml")
			if idx < 0 {
				return s.normalizer.Normalize(resp.Body)
			}
			var doc map[string]any
			converted := s.normalizer.ConvertXMLToJSON(resp.Body[idx:])
			if err := json.Unmarshal([]byte(converted), &doc); err != nil {
				return envelope.Text(converted)
			}
			trimDumpFeed(doc, call.String("category"), maxResults)
			return envelope.JSON(doc)
		},
	}
}

// trimDumpFeed reduces the dump feed in place: entries whose category
// term does not match are dropped, atom noise (contributor, icon, link)
// is removed, and at most maxResults entries survive. An mcp_info node
// records the measurement units and the entry counts.
func trimDumpFeed(doc map[string]any, category string, maxResults int) {
	feed, ok := doc["feed"].(map[string]any)
	if !ok {
		return
	}
	entries := asSlice(feed["entry"])
	if category != "" {
		kept := make([]any, 0, len(entries))
		for _, e := range entries {
			if entryHasCategory(e, category) {
				kept = append(kept, e)
			}
		}
		entries = kept
	}
	total := len(entries)
	for _, e := range entries {
		if m, ok := e.(map[string]any); ok {
			delete(m, "contributor")
			delete(m, "icon")
			delete(m, "link")
		}
	}
	if maxResults >= 0 && len(entries) > maxResults {
		entries = entries[:maxResults]
	}
	feed["entry"] = entries
	feed["mcp_info"] = map[string]any{
		"timeUnit":     "us",
		"sizeUnit":     "byte",
		"totalCount":   total,
		"displayCount": len(entries),
	}
}

// asSlice treats a single element and a repeated element uniformly; the
// XML-to-JSON conversion only produces a list when an element repeats.
func asSlice(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return t
	default:
		return []any{t}
	}
}

func entryHasCategory(entry any, category string) bool {
	m, ok := entry.(map[string]any)
	if !ok {
		return false
	}
	for _, c := range asSlice(m["category"]) {
		if cm, ok := c.(map[string]any); ok && cm["term"] == category {
			return true
		}
	}
	return false
}

func (s *service) runtimeDumpDetailsTool() Tool {
	return Tool{
		Name:        "GetRuntimeDumpDetails",
		Description: "Retrieve detailed ABAP runtime dump information",
		InputSchema: Schema{
			Type: "object",
			Properties: map[string]Property{
				"id": {Type: "string", Description: "Runtime dump id"},
			},
			Required: []string{"id"},
		},
		Handler: func(ctx context.Context, call Call) envelope.Result {
			path := "/sap/bc/adt/runtime/dump/" + url.QueryEscape(call.String("id")) + "/formatted"
			return s.fetch(ctx, call, http.MethodGet, path, nil, "")
		},
	}
}

func (s *service) abapTracesTool() Tool {
	return Tool{
		Name:        "Get_ABAPTraces",
		Description: "Retrieve ABAP trace (performance) information for a user",
		InputSchema: Schema{
			Type: "object",
			Properties: map[string]Property{
				"user": {Type: "string", Description: "User ID"},
			},
			Required: []string{"user"},
		},
		Handler: func(ctx context.Context, call Call) envelope.Result {
			path := "/sap/bc/adt/runtime/traces/abaptraces?user=" + url.QueryEscape(call.String("user"))
			return s.fetch(ctx, call, http.MethodGet, path, nil, "")
		},
	}
}

// tracePaths maps a trace detail type onto its ADT sub-resource.
var tracePaths = map[string]string{
	"dbAccesses": "/sap/bc/adt/runtime/traces/abaptraces/%s/dbAccesses?withSystemEvents=false",
	"hitlist":    "/sap/bc/adt/runtime/traces/abaptraces/%s/hitlist?withSystemEvents=false",
	"statements": "/sap/bc/adt/runtime/traces/abaptraces/%s/statements?id=1&withDetails=false&autoDrillDownThreshold=80&withSystemEvents=false",
}

func (s *service) abapTracesDetailsTool() Tool {
	return Tool{
		Name:        "Get_ABAPTracesDetails",
		Description: "Retrieve detailed ABAP trace information",
		InputSchema: Schema{
			Type: "object",
			Properties: map[string]Property{
				"id":   {Type: "string", Description: "Trace id"},
				"type": {Type: "string", Description: "Trace type (dbAccesses, hitlist, statements)"},
			},
			Required: []string{"id", "type"},
		},
		Handler: func(ctx context.Context, call Call) envelope.Result {
			tmpl, ok := tracePaths[call.String("type")]
			if !ok {
				return envelope.Failure(envelope.CodeInvalidParams,
					`The "type" parameter must be one of "dbAccesses", "hitlist", or "statements"`)
			}
			path := fmt.Sprintf(tmpl, url.PathEscape(call.String("id")))
			return s.fetch(ctx, call, http.MethodGet, path, nil, "")
		},
	}
}
