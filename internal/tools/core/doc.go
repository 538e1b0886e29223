// Package core provides the workspace-rooted file tools every phase gets.
//
// Tools:
//   - read_file: Read file contents
//   - write_file: Write content to a file
//   - edit_file: Edit file with replacements
//   - delete_file: Delete a file
//   - list_files: List directory contents
//   - grep: Search file contents with regex
//
// Paths are relative to the workspace root. A path that resolves outside the
// root fails with a structural tools.ErrPathEscape.
package core
