// Package deb provides the Debian package primitives of the build tools: the
// version algebra, dependency-expression parsing, and the .deb extractor.
//
// # Design Philosophy
//
// The package operates without external system dependencies like 'dpkg' or
// 'ar'. Archives are parsed from streams and materialized into a staging tree
// without requiring root; attributes the host refuses to apply are recorded
// in the staging table instead (see the stage package).
//
// # Features
//
// Versioning:
//   - Parse [epoch:]upstream[-revision] version strings.
//   - Total ordering per Debian policy 5.6.12, including tilde handling.
//   - Constraint evaluation for the <<, <=, =, >=, >> relations.
//
// Dependencies:
//   - Parse relationship fields with alternatives ("a | b"), version
//     constraints and architecture qualifiers.
//
// Extraction:
//   - Read .deb (ar) archives with gz, xz or zst compressed members.
//   - Stream data tarballs into the staging tree, honoring ustar, pax and
//     GNU extensions.
//   - Store maintainer scripts without executing them.
package deb
