// Package prompt serves named, parameterized prompt templates.
//
// Templates are standard text/template files. The registry ships
// embedded defaults (intent_recognition, system_prompt, general_info)
// and overlays *.tmpl files from a configured directory; a file with a
// default's name replaces it.
//
// Render validates both directions before executing: a variable the
// template never references is rejected, and a referenced placeholder
// that was not supplied is rejected. Reload rebuilds the whole set and
// swaps it atomically; if any file fails to parse the old set keeps
// serving. The serve path wires Reload to SIGHUP.
package prompt
