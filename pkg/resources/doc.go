// Package resources binds step resource requirements to concrete resources.
//
// A requirement carries an ordered priority chain. Each tier is either a
// specific resource name, a characteristics query, or an emergency query
// whose use is surfaced as a warning. Queries are compiled into tagged
// Matchers (exact, greater-than, less-than, contains) when the requirement
// is compiled, so a value like ">30" is parsed once.
//
// Allocation holds the manager's mutex for the whole call: a resource is
// available iff no live allocation references it, and the check and the
// claim cannot interleave with another playbook's allocation.
package resources
