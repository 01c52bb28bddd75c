// Package macro implements the registry of callable macros and the tools
// they expose to the remote model.
//
// A macro is a named, versioned callable. It can be addressed by its
// qualified name (namespace.name@version) or by a short alias, and it may
// declare zero or more tools described by a JSON schema.
//
// Invariants:
// - A key (alias, else qualified name) holds exactly one definition; the
//   last registration wins.
// - Parse never returns an error. Malformed or unknown invocations are
//   logged and yield nil.
// - Components are run through Invoke, which converts panics and
//   authorization failures into errors.
//
// Usage:
//
//	reg := macro.NewRegistry()
//	if err := reg.RegisterBatch(macro.Builtins()); err != nil {
//		return err
//	}
//	call := reg.Parse(`@echo("hello, world")`)
package macro
