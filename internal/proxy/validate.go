package proxy

import (
	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-relay/pkg/apierr"
)

const maxTools = 128

var (
	validRoles = map[string]struct{}{
		"system": {}, "user": {}, "assistant": {}, "tool": {}, "developer": {},
	}
	validResponseFormats = map[string]struct{}{
		"text": {}, "json_object": {}, "json_schema": {},
	}
	validReasoningEfforts = map[string]struct{}{
		"low": {}, "medium": {}, "high": {},
	}
)

type numberRange struct {
	path     string
	min, max float64
}

var numberRanges = []numberRange{
	{"temperature", 0, 2},
	{"top_p", 0, 1},
	{"presence_penalty", -2, 2},
	{"frequency_penalty", -2, 2},
}

// validateChatRequest checks a chat completion body without decoding it.
// The body is never modified.
func validateChatRequest(method, body []byte) error {
	if string(method) != fasthttp.MethodPost {
		return apierr.Newf(apierr.KindInvalidMethod, "chat completions require POST, got %s", method)
	}
	if !gjson.ValidBytes(body) {
		return apierr.New(apierr.KindJSONDecode, "request body is not valid JSON")
	}
	doc := gjson.ParseBytes(body)
	if !doc.IsObject() {
		return invalid("request body must be a JSON object")
	}

	if m := doc.Get("model"); m.Type != gjson.String || m.Str == "" {
		return invalid("'model' is required")
	}

	msgs := doc.Get("messages")
	if !msgs.IsArray() || len(msgs.Array()) == 0 {
		return invalid("'messages' must be a non-empty array")
	}
	for i, m := range msgs.Array() {
		role := m.Get("role").String()
		if _, ok := validRoles[role]; !ok {
			return apierr.Newf(apierr.KindInvalidRequestFormat, "messages[%d]: invalid role %q", i, role)
		}
	}

	for _, r := range numberRanges {
		v := doc.Get(r.path)
		if !v.Exists() || v.Type == gjson.Null {
			continue
		}
		if v.Type != gjson.Number || v.Num < r.min || v.Num > r.max {
			return apierr.Newf(apierr.KindInvalidRequestFormat, "'%s' must be a number between %g and %g", r.path, r.min, r.max)
		}
	}

	for _, path := range []string{"max_tokens", "max_completion_tokens"} {
		v := doc.Get(path)
		if !v.Exists() || v.Type == gjson.Null {
			continue
		}
		if v.Type != gjson.Number || v.Num <= 0 || v.Num != float64(int64(v.Num)) {
			return apierr.Newf(apierr.KindInvalidRequestFormat, "'%s' must be a positive integer", path)
		}
	}

	if tools := doc.Get("tools"); tools.Exists() {
		if !tools.IsArray() {
			return invalid("'tools' must be an array")
		}
		if n := len(tools.Array()); n > maxTools {
			return apierr.Newf(apierr.KindInvalidRequestFormat, "'tools' has %d entries, at most %d allowed", n, maxTools)
		}
	}

	if rf := doc.Get("response_format"); rf.Exists() {
		if _, ok := validResponseFormats[rf.Get("type").String()]; !ok {
			return invalid("'response_format.type' must be text, json_object or json_schema")
		}
	}

	if re := doc.Get("reasoning_effort"); re.Exists() && re.Type != gjson.Null {
		if _, ok := validReasoningEfforts[re.String()]; !ok {
			return invalid("'reasoning_effort' must be low, medium or high")
		}
	}
	return nil
}

func invalid(msg string) error {
	return apierr.New(apierr.KindInvalidRequestFormat, msg)
}
