package backend

import (
	"encoding/json"
	"regexp"
	"strings"
)

// replyPattern matches the first "text": "..." JSON string member.
var replyPattern = regexp.MustCompile(`"text"\s*:\s*"((?:[^"\\]|\\.)*)"`)

var fallbackUnescaper = strings.NewReplacer(`\n`, "\n", `\"`, `"`, `\\`, `\`)

// ExtractReply pulls the reply text out of the agent CLI's stdout. The
// output may mix logs with JSON, so it looks for the first "text" member
// anywhere rather than parsing a document. ok is false when no non-blank
// text was found.
func ExtractReply(stdout []byte) (reply string, ok bool) {
	m := replyPattern.FindSubmatch(stdout)
	if m == nil {
		return "", false
	}

	raw := string(m[1])
	var decoded string
	if err := json.Unmarshal([]byte(`"`+raw+`"`), &decoded); err != nil {
		decoded = fallbackUnescaper.Replace(raw)
	}

	decoded = strings.TrimSpace(decoded)
	if decoded == "" {
		return "", false
	}
	return decoded, true
}
