// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package kb

import (
	_ "embed"
)

//go:embed default_kb.json
var defaultKB []byte

// LoadDefault returns the built-in tracker set. The embedded snapshot
// is validated at build of the binary, so a parse failure here is a
// packaging bug.
func LoadDefault() (*Snapshot, error) {
	return Parse(defaultKB)
}
