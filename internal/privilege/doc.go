// Package privilege drops root privileges once the raw bus interface is open
// and gates network listeners until that has happened.
//
// The driver opens the interface as root, calls Drop, then Release on the
// shared Barrier. Listeners call Wait before binding so that no client can
// connect to a privileged process.
package privilege
