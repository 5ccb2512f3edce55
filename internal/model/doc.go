// Package model contains the shared interfaces and data structures.
//
// # Criteria for adding a type to this package
//
// This package should contain two types:
//
// 1. important interfaces that are shared by several packages
// within the codebase, with the objective of separating unrelated
// pieces of code and making unit testing easier;
//
// 2. important pieces of data that are shared across different
// packages (e.g., the representation of a PAC script).
//
// In general, this package should not contain logic, unless
// this logic is strictly related to data structures and we
// cannot implement this logic elsewhere.
//
// # Content of this package
//
// The following list (which may not always be up-to-date)
// summarizes the categories of types that currently belong here
// and names the files in which they are implemented:
//
// - logger.go: generic definition of an apex/log compatible logger,
// used in several places across the codebase;
//
// - pac.go: the collaborators used to discover, fetch, validate,
// and execute PAC scripts.
package model
