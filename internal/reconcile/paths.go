package reconcile

import "strings"

const pathSeparator = "/"

// segmentName makes a remote name safe to use as one path segment.
func segmentName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, pathSeparator, "_")
	if name == "" || name == "." || name == ".." {
		return "_"
	}
	return name
}

// leafName is the segment an item occupies in the local tree, including the
// extension of its export format.
func leafName(item RemoteItem) string {
	name := segmentName(item.Name)
	if item.IsFolder() {
		return name
	}
	if format, ok := LookupExport(item.MimeType); ok && !strings.HasSuffix(strings.ToLower(name), format.Extension) {
		return name + format.Extension
	}
	return name
}

func joinPath(dir, name string) string {
	if dir == "" || dir == pathSeparator {
		return pathSeparator + name
	}
	return strings.TrimRight(dir, pathSeparator) + pathSeparator + name
}

func dirOf(path string) string {
	idx := strings.LastIndex(path, pathSeparator)
	if idx <= 0 {
		return pathSeparator
	}
	return path[:idx]
}

func baseOf(path string) string {
	idx := strings.LastIndex(path, pathSeparator)
	if idx < 0 {
		return path
	}
	return path[idx+1:]
}

// splitPath returns the non-empty segments of an absolute logical path.
func splitPath(path string) []string {
	raw := strings.Split(strings.Trim(path, pathSeparator), pathSeparator)
	segments := raw[:0]
	for _, segment := range raw {
		if segment != "" {
			segments = append(segments, segment)
		}
	}
	return segments
}

// IsUnder reports whether path equals prefix or lies below it.
func IsUnder(path, prefix string) bool {
	prefix = strings.TrimRight(prefix, pathSeparator)
	if prefix == "" {
		return true
	}
	return path == prefix || strings.HasPrefix(path, prefix+pathSeparator)
}

// Rebase moves path from below oldPrefix to below newPrefix.
func Rebase(path, oldPrefix, newPrefix string) string {
	if !IsUnder(path, oldPrefix) {
		return path
	}
	return strings.TrimRight(newPrefix, pathSeparator) + strings.TrimPrefix(path, strings.TrimRight(oldPrefix, pathSeparator))
}
