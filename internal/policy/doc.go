// Package policy implements capability-based authorization for mediated tool calls.
//
// A SecurityContext bundles an ordered list of capabilities with a deny list.
// The Evaluator checks a proposed call against it: deny list first, then the
// first capability whose tool pattern matches, then that capability's path,
// command and domain constraints, and finally its rate limit. A call matching
// no capability is refused.
package policy
