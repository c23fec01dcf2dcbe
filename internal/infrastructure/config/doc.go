// Package config handles loading and validating shadow agent configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with SHADOWD_* environment variables
//   - Validation against the broker's protocol limits
//   - Default value handling
//
// Security Considerations:
//   - Passwords and tokens should be set via environment variables
//   - Device private keys are referenced by path, never embedded
//   - The local API binds to loopback by default
//
// Usage:
//
//	cfg, err := config.Load("configs/shadowd.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Device.ThingName)
package config
