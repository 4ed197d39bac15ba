// Package all wires all built-in store backends into the store factory.
//
// This package exists purely for side effects: importing it (even as a blank
// import) causes the init functions of each concrete backend to run, which in
// turn register their factories with the store package.
//
// In other words, importing this package makes the following store kinds
// available at runtime:
//
//   - "sqlite"   (featureetl/internal/store/sqlite)
//   - "postgres" (featureetl/internal/store/postgres)
//
// A binary that should support only a subset of backends can import the
// required backend packages directly instead of this one.
package all

import (
	_ "featureetl/internal/store/postgres"
	_ "featureetl/internal/store/sqlite"
)
