package scanner

import "regexp"

// Category groups signatures by attack class.
type Category string

const (
	SQLInjection     Category = "sqli"
	CrossSiteScript  Category = "xss"
	PathTraversal    Category = "traversal"
	CommandInjection Category = "cmdi"
)

// Signature is one precompiled attack pattern.
type Signature struct {
	Name     string
	Category Category
	Pattern  *regexp.Regexp
}

// pre-compiled once, shared by every Catalogue
var defaultSignatures = []Signature{
	// SQL injection
	{"sqli-tautology", SQLInjection, regexp.MustCompile(`(?i)['"]\s*(or|and)\s+['"]?\w+['"]?\s*(=|<|>|like\b)\s*['"]?\w*`)},
	{"sqli-numeric-tautology", SQLInjection, regexp.MustCompile(`(?i)\bor\s+(\d+)\s*=\s*(\d+)\b`)},
	{"sqli-union-select", SQLInjection, regexp.MustCompile(`(?i)\bunion\s+(all\s+)?select\b`)},
	{"sqli-statement", SQLInjection, regexp.MustCompile(`(?i)\b(drop\s+(table|database)|insert\s+into|delete\s+from|truncate\s+table|alter\s+table)\b|\bselect\s+(\*|\w+(\s*,\s*\w+)*)\s+from\s+\w+(\s+(where|limit|order|group|join)\b|\s*(;|--|#|/\*|\))|\s*$)`)},
	{"sqli-stacked-query", SQLInjection, regexp.MustCompile(`(?i)['"]\s*;\s*(drop|delete|insert|update|exec|shutdown|declare)\b`)},
	{"sqli-comment", SQLInjection, regexp.MustCompile(`(?i)['"]\s*(--|#|/\*)`)},
	{"sqli-time-based", SQLInjection, regexp.MustCompile(`(?i)\b(sleep\s*\(\s*\d+|benchmark\s*\(|waitfor\s+delay|pg_sleep\s*\()`)},

	// cross-site scripting
	{"xss-script-tag", CrossSiteScript, regexp.MustCompile(`(?i)<\s*/?\s*script\b`)},
	{"xss-event-handler", CrossSiteScript, regexp.MustCompile(`(?i)(<[^>]*\son[a-z]+\s*=|\bon(error|load|click|mouseover|focus|blur|submit|toggle|pageshow|animationstart)\s*=)`)},
	{"xss-script-uri", CrossSiteScript, regexp.MustCompile(`(?i)\b(javascript|vbscript|livescript)\s*:|data\s*:\s*text/html`)},
	{"xss-embed-tag", CrossSiteScript, regexp.MustCompile(`(?i)<\s*(iframe|object|embed|svg|applet|meta|base)\b`)},

	// directory traversal
	{"traversal-dot-dot", PathTraversal, regexp.MustCompile(`(?i)(\.\.|%2e%2e)(/|\\|%2f|%5c)|(/|\\)\.\.$`)},
	{"traversal-sensitive-file", PathTraversal, regexp.MustCompile(`(?i)(/etc/(passwd|shadow|hosts|group)\b|/proc/self/|c:\\windows\\|\bboot\.ini\b)`)},

	// command injection
	// a command at the start of a line only counts with an argument or alone
	{"cmdi-chained-command", CommandInjection, regexp.MustCompile(`(?i)(;|\|\|?|&&)\s*(rm|cat|ls|wget|curl|nc|ncat|bash|sh|zsh|python3?|perl|php|chmod|chown|id|whoami|uname|ping|nslookup|kill|echo)\b|\n\s*(rm|cat|ls|wget|curl|nc|ncat|bash|sh|zsh|python3?|perl|php|chmod|chown|id|whoami|uname|ping|nslookup|kill|echo)(\s+[-/~$.]|\s*$)`)},
	{"cmdi-substitution", CommandInjection, regexp.MustCompile("\\$\\([^)]*\\)|`[^`]+`|\\$\\{IFS\\}")},
}

// DefaultSignatures returns a copy of the built-in catalogue.
func DefaultSignatures() []Signature {
	out := make([]Signature, len(defaultSignatures))
	copy(out, defaultSignatures)
	return out
}
