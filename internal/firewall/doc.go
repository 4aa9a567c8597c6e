// Package firewall compiles per-application rules into iptables chains and
// keeps the kernel state and the in-process view of it in step.
//
// # Overview
//
// All kernel state changes go through a [netfilter.Port]. Default handling
// and per-application forwarding are never cached: they are derived by
// probing which rules exist, and a half-present state is repaired on read.
//
// # Architecture
//
//	INPUT/OUTPUT -p tcp|udp -> <prefix>-prefilter
//	    -m owner --uid-owner U -j MARK   (per watched uid)
//	    -m owner --uid-owner U -j <prefix>
//	<prefix>
//	    control port exemptions (optional)
//	    -i/-o <pattern> -> <prefix>-if-wifi | <prefix>-if-cellular
//	    -j <prefix>-action-accept | -action-reject | -interactive (default)
//	<prefix>-if-*        compiled per-uid transport rules
//	<prefix>-action-*    -j ACCEPT / -j REJECT
//	<prefix>-interactive -j NFQUEUE --queue-num N
//
// # Key Types
//
//   - [Engine]: serializes mutations and exposes every operation
//   - [Topology]: builds and tears down the chain graph
//   - [Compiler]: turns a [TransportRule] into primitives, with rollback
//   - [Reconciler]: default mode and per-uid forwarding
//   - [Registry]: uid to applied rule handles
//   - [Accepts]: advisory in-process decision
package firewall
