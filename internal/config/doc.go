// Package config loads the accessguard configuration.
//
// Values come from three layers, later layers winning:
//
//  1. Default(): compiled-in defaults
//  2. a YAML file: $AGUARD_CONFIG, ./accessguard.yaml or ./configs/accessguard.yaml
//  3. environment variables with the AGUARD_ prefix, e.g. AGUARD_SERVER_PORT,
//     AGUARD_LICENSE_SECRET, AGUARD_RATELIMIT_LIMITS=content.view:200,api:30
//
// The merged result is validated with go-playground/validator.
package config
