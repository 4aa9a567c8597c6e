// Package config handles appwall.hcl parsing, defaults, and validation.
//
// # Overview
//
// The file is HCL (or JSON with a .json suffix). Every field is optional;
// [Default] yields a usable configuration. Expressions may reference
// env.NAME, defaults.wifi, defaults.cellular and defaults.prefix, and call
// concat, distinct, join, lower, upper and format.
//
// Example:
//
//	chain_prefix   = "appwall"
//	control_port   = 5555
//	default_policy = "interactive"
//	watch          = [10023]
//
//	queue {
//	  number = 0
//	  bypass = true
//	}
//
//	devices {
//	  wifi = concat(defaults.wifi, ["wlp+"])
//	}
//
//	rule "dns" {
//	  uid         = 10023
//	  protocol    = "udp"
//	  destination = "*:53"
//	  policy      = "accept"
//	}
package config
