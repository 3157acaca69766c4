package schema

import (
	"bytes"
	_ "embed"
)

//go:embed builtin.json
var builtinSource []byte

// Builtin returns the catalog compiled into the binary, which covers the
// load balancing resource surface (load balancers, listeners, rules, target
// groups, security groups, alarms, bucket policies).
func Builtin() *Schema {
	r := bytes.NewReader(builtinSource)
	schema, err := Load(r)
	if err != nil {
		// Should never happen, since builtinSource should always be valid.
		panic(err)
	}

	return schema
}
