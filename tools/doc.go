// Package tools provides the tools offered to the model: file access
// (read_file, write_file, list_directory), shell execution (shell_run and
// the persistent session tools shell_start, shell_write, shell_read and
// shell_stop) and skills (use_skill, list_skills). Each Register function
// adds its tools to an agentloop.ToolRegistry.
package tools
