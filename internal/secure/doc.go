// Package secure keeps cached credential bytes out of plain process memory.
//
// Credentials held by the secret store cache are sealed in memguard
// enclaves: encrypted with XSalsa20Poly1305 while at rest and only
// decrypted into an mlocked buffer for the duration of a single call.
//
//	sealed, err := secure.Seal("sk-...")
//	if err != nil {
//	    return err
//	}
//	defer sealed.Destroy()
//
//	value, err := sealed.Reveal()
//
// Reveal hands a Go string back to the caller, which is unavoidable for a
// credential that is about to be sent over HTTP. Callers must not retain
// it beyond the request that asked for it.
//
// For complete cleanup at process exit call memguard.Purge from main.
package secure
