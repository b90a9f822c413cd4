/*
Package state persists run state documents and owns the on-disk
layout under the mycelium home directory:

	state/<project>/run-<run_id>.json
	state/<project>/history.json
	logs/<project>/run-<run_id>/orchestrator.jsonl
	logs/<project>/run-<run_id>/tasks/<task_id>-<slug>/events.jsonl
	logs/<project>/run-<run_id>/validators/<name>.jsonl
	workspaces/<project>/<run_id>/<task_id>/

Saves are atomic (temp file, fsync, rename); a reader never sees a
partially written state document. The history index is derived data:
it is rebuilt from the state files when missing, and enumeration
demotes runs stuck in status running past the stale threshold to
paused so they become resumable.
*/
package state
