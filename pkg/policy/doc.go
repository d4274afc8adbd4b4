// Package policy loads the routing, approval, and execution policy
// files and evaluates them: deterministic task classification into
// route class and risk level, human-approval gating per action
// category, and the allow/deny execution rules applied before any
// dispatch.
package policy
