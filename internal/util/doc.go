// Package util provides small string helpers shared by reqguard packages.
package util
