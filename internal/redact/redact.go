// Package redact scrubs secrets from structured payloads and free-form text
// before they cross a trust boundary (persisted to an event/artifact row, or
// mirrored to the upstream platform), and computes the canonical content hash
// used for outbox/tool-invocation idempotency keys.
package redact

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"sort"
	"strings"
)

// HashScheme is stored alongside every hash this package produces, so a
// future scheme change doesn't silently reinterpret old hashes.
const HashScheme = "sha256:cjson:v1"

// DefaultMaxDepth caps recursion into nested structures; values beyond it
// are replaced wholesale rather than walked.
const DefaultMaxDepth = 5

const redactedPlaceholder = "[REDACTED]"

// sensitiveFieldNames are matched case-insensitively, with underscores
// stripped, so "api_key", "apiKey", and "APIKEY" are all equivalent.
var sensitiveFieldNames = map[string]bool{
	"password":      true,
	"secret":        true,
	"token":         true,
	"apikey":        true,
	"authorization": true,
}

// secretPatterns catch secret-shaped string values regardless of field name.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36,}`),                     // upstream PAT
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),                               // AWS access key id
	regexp.MustCompile(`eyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}`), // JWT
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`),
	regexp.MustCompile(`(postgres|mysql|mongodb)(\+srv)?://[^:\s]+:[^@\s]+@[^\s]+`), // DB url with creds
	regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),                            // generic provider API key
	regexp.MustCompile(`(?i)(password|secret)\s*=\s*\S+`),                // generic assignment
}

var pemBlock = regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`)

// Result is the outcome of Value.
type Result struct {
	CanonicalJSON   string
	RemovedPaths    []string
	SecretsDetected bool
	Hash            string
	HashScheme      string
}

// Value redacts a structured value (result of json.Unmarshal into any, or
// any JSON-marshalable Go value), returning a canonical, sorted-key JSON
// rendering with secrets stripped, the set of field paths removed, and a
// content hash over the redacted form.
//
// allowlist exempts field names (post-normalization) from name-based
// redaction; extra adds caller-supplied field names to the blocked set.
func Value(v any, allowlist, extra []string) Result {
	allow := toSet(allowlist)
	blocked := map[string]bool{}
	for k, v := range sensitiveFieldNames {
		blocked[k] = v
	}
	for _, name := range extra {
		blocked[normalizeFieldName(name)] = true
	}

	var removed []string
	out := redactValue(v, "", 0, blocked, allow, &removed)

	canon := canonicalJSON(out)
	sum := sha256.Sum256([]byte(canon))
	return Result{
		CanonicalJSON:   canon,
		RemovedPaths:    removed,
		SecretsDetected: len(removed) > 0,
		Hash:            hex.EncodeToString(sum[:]),
		HashScheme:      HashScheme,
	}
}

func redactValue(v any, path string, depth int, blocked, allow map[string]bool, removed *[]string) any {
	if depth > DefaultMaxDepth {
		*removed = append(*removed, path)
		return redactedPlaceholder
	}

	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			childPath := joinPath(path, k)
			norm := normalizeFieldName(k)
			if blocked[norm] && !allow[norm] {
				out[k] = redactedPlaceholder
				*removed = append(*removed, childPath)
				continue
			}
			out[k] = redactValue(val, childPath, depth+1, blocked, allow, removed)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = redactValue(val, path, depth+1, blocked, allow, removed)
		}
		return out
	case string:
		if scrubbed, hit := scrubString(t); hit {
			*removed = append(*removed, path)
			return scrubbed
		}
		return t
	default:
		return t
	}
}

// scrubString replaces any secret-pattern match in s with the placeholder.
// Returns the (possibly unchanged) string and whether a match occurred.
func scrubString(s string) (string, bool) {
	hit := false
	out := s
	for _, pat := range secretPatterns {
		if pat.MatchString(out) {
			hit = true
			out = pat.ReplaceAllString(out, redactedPlaceholder)
		}
	}
	return out, hit
}

// Line redacts a free-form string line by line: PEM blocks are scrubbed
// across the whole string first (they span lines), then each line is
// checked against the secret patterns independently.
func Line(s string) string {
	s = pemBlock.ReplaceAllString(s, redactedPlaceholder)

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if scrubbed, hit := scrubString(line); hit {
			lines[i] = scrubbed
		}
	}
	return strings.Join(lines, "\n")
}

func normalizeFieldName(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, "_", ""))
}

func joinPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}

func toSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, it := range items {
		out[normalizeFieldName(it)] = true
	}
	return out
}

// canonicalJSON marshals v with map keys sorted, producing a stable string
// suitable for hashing. encoding/json already sorts map[string]any keys, but
// we re-walk explicitly so the guarantee holds regardless of the concrete
// map type supplied.
func canonicalJSON(v any) string {
	sorted := sortKeys(v)
	buf, err := json.Marshal(sorted)
	if err != nil {
		return "null"
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, buf); err != nil {
		return string(buf)
	}
	return compact.String()
}

func sortKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(t))
		for _, k := range keys {
			out[k] = sortKeys(t[k])
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sortKeys(e)
		}
		return out
	default:
		return t
	}
}

// Hash computes the canonical hash of v without performing redaction; used
// by the outbox and tool invocations to hash already-redacted payloads.
func Hash(v any) (hash, scheme string) {
	canon := canonicalJSON(v)
	sum := sha256.Sum256([]byte(canon))
	return hex.EncodeToString(sum[:]), HashScheme
}
