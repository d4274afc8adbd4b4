// Package artifact manages the per-task artifact files (plan, review
// verdict, compacted context, cost estimate) and judges the
// planner/reviewer gate that heavy tasks must pass before dispatch.
package artifact
