// Package recurrence turns a schedule row into concrete occurrence dates.
//
// It is pure: no I/O, no clock. Callers pass the resolved location and the
// current time explicitly.
//   - rule.go:    the Rule variants and their construction from raw fields
//   - next.go:    the next-occurrence calculator
//   - planner.go: bounded lookahead window enumeration
package recurrence
