// Package testutil provides an in-process fake of the farm backend's auth and profile
// endpoints plus token minting helpers. It is shared by package tests and the load-test
// harness.
package testutil
