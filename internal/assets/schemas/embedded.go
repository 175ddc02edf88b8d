// Package schemasassets embeds the JSON schemas shipped with the binary.
package schemasassets

import _ "embed"

// JobManifestSchema validates gamesync job manifests.
//
//go:embed job-manifest.schema.json
var JobManifestSchema []byte
