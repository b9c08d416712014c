// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable interpolation,
// which is how the API key pair is normally supplied:
//
//	api:
//	  api_key: ${BFX_API_KEY}
//	  api_secret: ${BFX_API_SECRET}
package config
