// Package config loads the ecatd configuration.
//
// Values are resolved in order: built-in defaults, the YAML file, then
// ECATD_<SECTION>_<KEY> environment variables. Command line flags are
// applied by cmd/ecatd on top of the result before the bus is opened.
// Load finishes with Validate, which reports every problem at once.
//
// Broker, InfluxDB and database credentials are better set through the
// environment than in the file. privilege.user should name an account
// without a login shell; it is the identity the daemon keeps after the
// interface is open.
//
//	cfg, err := config.Load("configs/ecatd.yaml")
//	if err != nil {
//	    return err
//	}
package config
