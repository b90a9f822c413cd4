/*
Package worker executes task attempts behind the Runner interface.

Two implementations exist. LocalRunner runs the worker loop in this
process; it cannot reattach across processes, so resuming a local
attempt always resets the task to pending. ContainerdRunner runs each
attempt in a container with a deterministic name, labels identifying
project/run/task, the workspace and log directory bind-mounted, and
the task parameters passed as environment variables. Container stdout
and stderr are streamed into the task's JSONL event log; lines that
are not already events are wrapped into worker.output events.

Resume looks a container up by label first, then by id or id prefix,
then by its deterministic name. A missing container yields
container.missing and a reset; an exited one yields
container.exited-on-resume with the observed exit code.
*/
package worker
