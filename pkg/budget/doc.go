/*
Package budget aggregates token usage and enforces spend limits.

Usage comes from turn.completed records in each task's event log,
aggregated per attempt and rolled up to task and run totals with a
flat cost-per-1k-tokens estimate. Budgets check per-task tokens and
per-run cost; warn mode emits budget.warn events, block mode fails
the run. Backfill recomputes a run's usage from its logs when prior
state is absent.
*/
package budget
