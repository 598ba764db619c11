// Package config loads the orcaflowd startup configuration from a JSON file
// and fills in defaults for anything the operator left out. Chain endpoint
// definitions for the payment ledger live in a separate YAML file referenced
// from here (see internal/ledger).
package config
