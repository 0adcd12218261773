package flash

import _ "embed"

// stockMeta is the descriptor used by the stock constructors, which flash a
// raw partition dump that carries no meta.json of its own.
//
//go:embed stock-meta.json
var stockMeta []byte
