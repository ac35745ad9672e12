// Package memory provides an encrypted, semantically searchable long-term
// memory for a conversational agent.
//
// Each note is embedded, tagged with keywords, sealed with the store key and
// persisted. Retrieval scores every stored entry by vector similarity, keyword
// overlap and importance, then decrypts only the best few.
//
// Architecture:
//   - Backend: persistence of sealed entries (in-memory, sqlite, chromem-go)
//   - Embedder: text-to-vector conversion, best-effort (embedder.Service)
//   - vault: key provisioning and AES-GCM sealing
//   - EncryptedManager: orchestrates the write and read paths
//
// Failure policy:
//   - No key: writes fail with ErrKeyUnavailable, reads return nothing
//   - No embedding: writes store the entry without one, reads fall back to keywords
//   - Undecryptable entry: skipped by retrieval, flagged by listing
//   - Backend failure: surfaced as ErrPersistence
package memory
