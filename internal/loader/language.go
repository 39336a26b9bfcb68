package loader

import (
	"path/filepath"
	"regexp"
	"strings"
)

// extensionLanguages maps file extensions to language tags, checked first
// during detection.
var extensionLanguages = map[string]string{
	".go":    "go",
	".py":    "python",
	".pyw":   "python",
	".js":    "javascript",
	".mjs":   "javascript",
	".cjs":   "javascript",
	".jsx":   "javascript",
	".ts":    "typescript",
	".tsx":   "typescript",
	".rs":    "rust",
	".java":  "java",
	".kt":    "kotlin",
	".rb":    "ruby",
	".php":   "php",
	".c":     "c",
	".h":     "c",
	".cpp":   "cpp",
	".cc":    "cpp",
	".hpp":   "cpp",
	".cs":    "csharp",
	".swift": "swift",
	".sh":    "shell",
	".bash":  "shell",
	".zsh":   "shell",
	".sql":   "sql",
	".md":    "markdown",
	".mdx":   "markdown",
	".rst":   "text",
	".txt":   "text",
	".yaml":  "yaml",
	".yml":   "yaml",
	".toml":  "toml",
	".json":  "json",
	".html":  "html",
	".css":   "css",
	".scss":  "css",
}

// codeExtensions lists extensions indexed as source code.
var codeExtensions = map[string]bool{
	".go": true, ".py": true, ".pyw": true, ".js": true, ".mjs": true,
	".cjs": true, ".jsx": true, ".ts": true, ".tsx": true, ".rs": true,
	".java": true, ".kt": true, ".rb": true, ".php": true, ".c": true,
	".h": true, ".cpp": true, ".cc": true, ".hpp": true, ".cs": true,
	".swift": true, ".sh": true, ".bash": true, ".zsh": true, ".sql": true,
}

// docExtensions lists extensions indexed as documents.
var docExtensions = map[string]bool{
	".md": true, ".mdx": true, ".rst": true, ".txt": true,
	".yaml": true, ".yml": true, ".toml": true, ".json": true,
	".html": true,
}

// anchorPattern scores a content signature toward a language.
type anchorPattern struct {
	re       *regexp.Regexp
	language string
	weight   int
}

// anchorPatterns are content signatures for the fallback detection phase.
// Scanned against the head of the file; highest scorer wins when it meets
// the threshold.
var anchorPatterns = []anchorPattern{
	{regexp.MustCompile(`(?m)^package \w+$`), "go", 3},
	{regexp.MustCompile(`(?m)^func \w+\(`), "go", 2},
	{regexp.MustCompile(`(?m)^import \(`), "go", 2},
	{regexp.MustCompile(`(?m)^#!/.*python`), "python", 4},
	{regexp.MustCompile(`(?m)^def \w+\(.*\):`), "python", 3},
	{regexp.MustCompile(`(?m)^from \w+ import `), "python", 3},
	{regexp.MustCompile(`(?m)^import \w+$`), "python", 1},
	{regexp.MustCompile(`(?m)^#!/.*node`), "javascript", 4},
	{regexp.MustCompile(`(?m)^const \w+ = require\(`), "javascript", 3},
	{regexp.MustCompile(`(?m)^export (default |const |function )`), "javascript", 2},
	{regexp.MustCompile(`(?m)^interface \w+ \{`), "typescript", 3},
	{regexp.MustCompile(`(?m):\s*(string|number|boolean)\b`), "typescript", 1},
	{regexp.MustCompile(`(?m)^use \w+(::\w+)*;`), "rust", 3},
	{regexp.MustCompile(`(?m)^fn \w+\(`), "rust", 3},
	{regexp.MustCompile(`(?m)^public (class|interface) \w+`), "java", 3},
	{regexp.MustCompile(`(?m)^#!/bin/(ba)?sh`), "shell", 4},
	{regexp.MustCompile(`(?m)^# .+$`), "markdown", 1},
	{regexp.MustCompile("(?m)^```"), "markdown", 2},
	{regexp.MustCompile(`(?m)^(SELECT|INSERT|CREATE TABLE)\b`), "sql", 3},
}

// anchorScoreThreshold is the minimum anchor score required for a
// content-based detection to win; below it the language stays unknown.
const anchorScoreThreshold = 3

// detectionHeadBytes bounds how much content the fallback phase scans.
const detectionHeadBytes = 8 * 1024

// DetectLanguage resolves the language tag for a file: extension first,
// then anchor-pattern scoring over the head of the content. Returns ""
// when neither phase is confident, so unknown files carry no language
// rather than a guessed one. Pure; reads nothing beyond the given bytes.
func DetectLanguage(path string, content []byte) string {
	ext := strings.ToLower(filepath.Ext(path))
	if lang, ok := extensionLanguages[ext]; ok {
		return lang
	}

	head := content
	if len(head) > detectionHeadBytes {
		head = head[:detectionHeadBytes]
	}

	scores := map[string]int{}
	for _, p := range anchorPatterns {
		if n := len(p.re.FindAll(head, 4)); n > 0 {
			scores[p.language] += p.weight * n
		}
	}

	best, bestScore := "", 0
	for lang, score := range scores {
		if score > bestScore || (score == bestScore && lang < best) {
			best, bestScore = lang, score
		}
	}
	if bestScore >= anchorScoreThreshold {
		return best
	}
	return ""
}

// SourceTypeFor classifies an extension into the closed source_type set.
// Unknown extensions default to doc.
func SourceTypeFor(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if codeExtensions[ext] {
		return "code"
	}
	return "doc"
}

// indexableExtension reports whether the loader indexes this extension at
// all, honouring the include-code flag.
func indexableExtension(path string, includeCode bool) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if docExtensions[ext] {
		return true
	}
	return includeCode && codeExtensions[ext]
}
