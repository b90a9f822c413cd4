/*
Package workspace manages per-task sandboxes: git worktrees of the
integration repo with the task branch checked out. Existing
workspaces are recovered with a hard reset and clean under the retry
policy; removal is best-effort.
*/
package workspace
