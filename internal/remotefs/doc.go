// Package remotefs defines how termdeck sees a remote filesystem: the
// [Descriptor] of a directory entry, the [Provider] contract implemented by
// the SSH, SFTP and tunnel backends, and the error taxonomy shared by the
// cache and the explorer.
//
// # Ordering
//
// Listings are kept in canonical order: directories first, then files, each
// group sorted by name (byte-wise). [SortDescriptors] applies it and every
// provider returns listings already sorted.
//
// # Errors
//
// [ErrNotReady] marks a session whose remote side cannot serve filesystem
// requests yet; callers retry those with a bounded policy. Every other
// failure is a [*ProviderError] carrying the operation and a human-readable
// reason. Remote backends only hand back text, so a reason containing
// [NotReadyPhrase] is classified as not-ready as well.
package remotefs
