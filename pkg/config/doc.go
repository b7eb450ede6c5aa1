// Package config loads the trackrecon configuration: a YAML file over
// built-in defaults, then environment overrides, then CLI flags, validated
// with go-playground/validator before a run starts.
//
// A minimal file:
//
//	sheet:
//	  backend: google
//	  spreadsheet_id: 1AbC...
//	  sheet_name: Seguimiento
//	  credentials_file: service-account.json
//	rules:
//	  files: [rules/]
//	carrier:
//	  name: interrapidisimo
//
// Durations use Go syntax ("20s", "1m30s").
package config
