// Package crypto provides AES-256-GCM encryption at rest for the journal
// and dump files.
//
// A sealed blob is laid out as
//
//	+--------+----------------+----------+
//	| Nonce  | Encrypted Data | Auth Tag |
//	| 12 B   | Variable       | 16 B     |
//	+--------+----------------+----------+
//
// Every Seal draws a fresh random nonce. Callers pass additional data
// (a journal sequence number, a dump header) that is authenticated with
// the blob, so a sealed record cannot be moved to another position.
//
// Usage:
//
//	raw, err := crypto.GenerateKey()
//	err = crypto.SaveKey(raw, "/etc/dirmgr/storage.key")
//
//	key, err := crypto.LoadKey("/etc/dirmgr/storage.key")
//	sealed, err := key.Seal(payload, ad)
//	payload, err = key.Open(sealed, ad)
package crypto
