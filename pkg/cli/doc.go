// Package cli defines the mailrelay command tree: serve, verify, send,
// keyring and version.
package cli
