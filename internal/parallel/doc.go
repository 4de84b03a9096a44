// Package parallel provides the worker pool the software device runs
// compute workgroups on.
package parallel
