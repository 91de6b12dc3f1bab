// Package domain holds the types shared by every tenantsync component.
//
// This package imports nothing internal. Identifiers that end up in persistent
// keys (store ids, task ids, record ids) pass through Canonical before use so
// that visually identical ids never produce two distinct claims.
package domain
