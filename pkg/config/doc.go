/*
Package config loads dftp node configuration.

Configuration is layered: built-in defaults, then an optional YAML file,
then environment variables. DFTP_SUBNET (the CIDR range probed for
registry nodes) and DATA_NODE_REPLICATION_K (write quorum size for
storage nodes) always win over the file, which lets deployments vary
per host without editing files.

CLI flags from cmd/dftp are applied after Load, so the final precedence
is flags > environment > file > defaults.
*/
package config
