package storage

import "path/filepath"

// matchGlob matches key against a shell-style glob pattern ('*', '?' and
// '[...]' classes, as in redis' KEYS/SCAN MATCH), per SPEC_FULL.md §C's
// pattern-invalidation supplement. It uses filepath.Match, so unlike redis,
// '*' and '?' never match a '/' in the key.
func matchGlob(pattern, key string) bool {
	ok, err := filepath.Match(pattern, key)
	return err == nil && ok
}
