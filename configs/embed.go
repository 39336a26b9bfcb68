// Package configs carries the embedded configuration template written by
// `agent-brain init`. Embedding it keeps the template available in every
// distribution, source builds included.
package configs

import _ "embed"

// ConfigTemplate is the annotated agent-brain.yaml starting point. Every
// value in it matches the built-in defaults.
//
//go:embed agent-brain.example.yaml
var ConfigTemplate string
