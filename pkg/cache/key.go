package cache

import (
	"strings"
)

// Key builds the cache key for a path on a named upstream. Query strings are
// part of the path, so every page of a paginated list has its own key.
//
//	Key("catalog", "/items?page=2") == "catalog:items?page=2"
func Key(source, path string) string {
	path = strings.Trim(path, "/")
	if source == "" {
		return path
	}
	return source + ":" + path
}
