package schema

import "embed"

// Files contains the JSON schemas used to validate definition files.
//
//go:embed *.json
var Files embed.FS
