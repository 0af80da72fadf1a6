package chamber

import (
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

// Sig is a wasm function signature as seen in a module's export section.
type Sig struct {
	Params  []api.ValueType
	Results []api.ValueType
}

var (
	i32 = api.ValueTypeI32
	f32 = api.ValueTypeF32
)

// RequiredExports is the chamber ABI. Verification is structural only; what
// the functions do is the module author's business.
var RequiredExports = map[string]Sig{
	"init":         {Params: []api.ValueType{i32, i32}},
	"step":         {Params: []api.ValueType{i32, f32}},
	"render":       {Params: []api.ValueType{i32, i32}},
	"save":         {},
	"load":         {},
	"ballsMemory":  {Results: []api.ValueType{i32}},
	"canvasMemory": {Results: []api.ValueType{i32}},
	"saveMemory":   {Results: []api.ValueType{i32}},
	"saveSize":     {Results: []api.ValueType{i32}},
}

// VerifyExports checks that every required export is present with the right
// signature. Extra exports are allowed.
func VerifyExports(exports map[string]Sig) error {
	for name, want := range RequiredExports {
		got, ok := exports[name]
		if !ok {
			return fmt.Errorf("missing export %q", name)
		}
		if !typesEqual(got.Params, want.Params) || !typesEqual(got.Results, want.Results) {
			return fmt.Errorf("export %q has signature %s, want %s", name, sigString(got), sigString(want))
		}
	}
	return nil
}

func typesEqual(a, b []api.ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sigString(s Sig) string {
	names := func(ts []api.ValueType) []string {
		out := make([]string, len(ts))
		for i, t := range ts {
			out[i] = api.ValueTypeName(t)
		}
		return out
	}
	return fmt.Sprintf("(%v)->(%v)", names(s.Params), names(s.Results))
}
