// Package naming derives a shared-memory object name from a pub/sub topic
// name, following the original implementation's "/ros2_hazcat." prefix and
// slash-to-period substitution (/dev/shm has no subdirectories), and adding
// the clamping the original left as a portability TODO: when the transform
// would exceed the host's shm-name length limit, the tail is replaced with
// a blake2b digest of the full topic name so two long, similarly-prefixed
// topics never collide after truncation.
package naming

import (
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const (
	prefix = "ros2_hazcat."

	// maxNameLen mirrors NAME_MAX (255) on Linux; Open Question (d) leaves
	// the exact host limit unspecified, so this is the conservative POSIX
	// value rather than PATH_MAX.
	maxNameLen = 255

	// digestSuffixLen is "-" plus 16 hex characters of a blake2b digest.
	digestSuffixLen = 1 + 16
)

// TopicSegmentName returns the shared-memory object name for topicName.
// The returned string never includes the leading slash the host mmap
// syscalls expect (callers join it under the platform's shm directory);
// that matches internal/shm.Open's own Name convention.
func TopicSegmentName(topicName string) string {
	transformed := prefix + strings.ReplaceAll(topicName, "/", ".")
	if len(transformed) <= maxNameLen {
		return transformed
	}
	return clamp(transformed, topicName)
}

// clamp truncates transformed to fit the host limit, appending a short hash
// of the original topic name so distinct long topics don't collapse onto
// the same truncated prefix.
func clamp(transformed, topicName string) string {
	sum := blake2b.Sum256([]byte(topicName))
	suffix := fmt.Sprintf("-%x", sum[:8])
	if len(suffix) > digestSuffixLen {
		suffix = suffix[:digestSuffixLen]
	}
	keep := maxNameLen - len(suffix)
	if keep < 0 {
		keep = 0
	}
	if keep > len(transformed) {
		keep = len(transformed)
	}
	return transformed[:keep] + suffix
}
