// Package testutil provides a controllable clock and fixtures for reqguard tests.
package testutil
