// Package config handles loading and validating acquisition bridge configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables (ACQBRIDGE_*)
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - Sensitive values (MQTT password, InfluxDB token, JWT secret) should be
//     set via environment variables
//   - The config file should have restricted permissions (0600)
//   - Without a JWT secret the HTTP API accepts unauthenticated requests;
//     only run that way on an isolated instrument network
//
// Usage:
//
//	cfg, err := config.Load("configs/acqbridge.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Board.Connection)
package config
