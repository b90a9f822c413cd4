/*
Package vcs adapts the target repository through the git CLI.

It covers branch plumbing, worktree management for task workspaces,
changed-file enumeration, and the two merge operations the run engine
needs: the temp-merge probe, which trial-merges a group of task
branches on a throwaway branch and reports conflicts per branch, and
the final merge, which publishes a clean set as one merge commit on
the integration branch.
*/
package vcs
