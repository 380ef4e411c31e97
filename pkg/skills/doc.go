// Package skills is the registry of locally implemented capabilities the
// model may invoke.
//
// The set of skills is fixed when the Registry is built. Each skill declares
// its parameters; the registry turns them into a JSON schema, validates
// arguments against it, runs the handler under a timeout and converts every
// failure (including panics) into a Result carrying an error message.
package skills
