// Package shared holds code used across packages that belongs to no single
// layer. Its testutil subpackage provides log capture and a fully wired
// protection core for tests.
package shared
