// Package config provides configuration parsing and management for the
// directory manager server.
//
// # Overview
//
// Configuration is read from a YAML file decoded with gopkg.in/yaml.v3 on
// top of DefaultConfig, so absent keys keep their defaults and unknown
// keys are rejected. Before decoding, ${VAR} and ${VAR:-default} patterns
// are replaced with environment variable values.
//
//	cfg, err := config.LoadConfig("/etc/dirmgr/dirmgr.yaml")
//	if err != nil {
//	    return err
//	}
//	if err := cfg.Validate(); err != nil {
//	    return err
//	}
//
// ConfigManager holds the live configuration for the admin API, and
// ConfigWatcher polls the file and reports validated changes.
//
// # Example Configuration
//
//	server:
//	  adminAddress: "127.0.0.1:8089"
//	  jwtSecret: "${DIRMGR_JWT_SECRET}"
//	  metrics: true
//
//	storage:
//	  dataDir: "/var/lib/dirmgr"
//	  archiveDir: "/var/lib/dirmgr/archive"
//	  archive: true
//	  syncOnCommit: true
//	  compressThreshold: 4096
//	  dumpInterval: 10m
//	  keyFile: "/etc/dirmgr/storage.key"
//
//	sessions:
//	  idleTimeout: 30m
//	  adminGroup: wheel
//
//	logging:
//	  level: info
//	  format: json
//	  output: /var/log/dirmgr/dirmgr.log
//	  maxSizeMB: 100
//
//	acl:
//	  defaultPolicy: deny
//	  rules:
//	    - subject: authenticated
//	      types: [user, group, system]
//	      rights: [view]
//
//	builders:
//	  - name: hosts
//	    template: hosts
//	    output: /etc/hosts.dirmgr
//	    minInterval: 30s
package config
