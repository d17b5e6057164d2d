// Package configs provides the embedded configuration template. The
// template is compiled into the binary so 'patchsmith config init'
// works from any install, not just a source checkout.
package configs

import _ "embed"

// ExampleConfig is the annotated template written by
// 'patchsmith config init'. Every value in it matches the built-in
// defaults from internal/config.
//
//go:embed patchsmith.example.yaml
var ExampleConfig string
