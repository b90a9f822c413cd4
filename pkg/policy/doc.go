/*
Package policy derives per-task locks, risk tiers, and enforcement.

Tier classification collapses surface categories (contract, config,
migration, public entry points), component blast radius, and
repo-root fallback into an autonomy tier 0-3. In derived lock mode
the declared file globs are resolved against the control-plane
component model: one component:<id> write lock per owner, optional
surface:<id> locks, and a widening to the configured fallback
resource for files nothing owns. Every widening is preserved on the
decision so it can be audited later. The declared lock set always
survives unexpanded alongside the derived one.
*/
package policy
