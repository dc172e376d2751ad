// Package cache provides the shared query-result cache for the platform.
//
// # Overview
//
// Two concerns live here:
//
//  1. Key derivation
//     A request's endpoint and query parameters are normalized into a
//     deterministic internal key (sorted parameters, "null" for missing
//     values, ':' replaced by '_'), then digested to a fixed-width store
//     key. Stripping the page parameter yields the "no-page" key shared by
//     every page of one logical query, so per-query artifacts such as the
//     pagination cursor table are cached once, not once per page.
//
//  2. The store
//     A pebble-backed key/value store partitioned into namespaces derived
//     from the API path. An LRU front cache short-circuits hot keys.
//
// # Key layout in pebble
//
// Every key starts with a single namespace byte:
//
//	'R' root, 'F' filer, 'X' external_api, 'G' genomics, 'A' advp,
//	'V' view, 'Q' query_cache
//
// followed by the digest string, optionally carrying a qualifier suffix
// ("_pagination-cursor", "_pagination-result-size", ...).
//
// Values are 8 bytes of big-endian absolute expiry (unix seconds, 0 for no
// expiry) followed by the codec-encoded payload. Expired entries read as
// misses and are deleted lazily on the next access.
//
// # Consistency
//
// Entries are idempotent artifacts of their key: concurrent writers may
// race, last writer wins, and readers never see a torn value because a
// pebble Set is atomic. Namespace invalidation drops the whole prefix range
// in one DeleteRange.
package cache
