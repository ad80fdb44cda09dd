package coord

import (
	"fmt"
	"strconv"
	"strings"
)

// PathSeparator separates node names in a path.
const PathSeparator = "/"

// SequenceDigits is the width of the counter appended to sequential node names. The counter is zero padded so that
// lexicographic ordering of names matches creation ordering.
const SequenceDigits = 10

// ValidatePath checks that path is absolute, has no empty segments and no trailing separator (the root "/" aside).
func ValidatePath(path string) error {
	if path == "" {
		return Errorf(ErrBadArguments, "empty path")
	}
	if !strings.HasPrefix(path, PathSeparator) {
		return Errorf(ErrBadArguments, "path %q is not absolute", path)
	}
	if path == PathSeparator {
		return nil
	}
	if strings.HasSuffix(path, PathSeparator) {
		return Errorf(ErrBadArguments, "path %q has trailing separator", path)
	}
	for _, segment := range strings.Split(path[1:], PathSeparator) {
		if segment == "" || segment == "." || segment == ".." {
			return Errorf(ErrBadArguments, "path %q has illegal segment %q", path, segment)
		}
	}
	return nil
}

// Parent returns the parent of path; the parent of a top level node is the root.
func Parent(path string) string {
	i := strings.LastIndex(path, PathSeparator)
	if i <= 0 {
		return PathSeparator
	}
	return path[:i]
}

// Base returns the last segment of path.
func Base(path string) string {
	return path[strings.LastIndex(path, PathSeparator)+1:]
}

// Join appends name to parent.
func Join(parent, name string) string {
	if parent == PathSeparator {
		return parent + name
	}
	return parent + PathSeparator + name
}

// FormatSequential builds the name assigned to a sequential node.
func FormatSequential(path string, sequence int32) string {
	return fmt.Sprintf("%s%0*d", path, SequenceDigits, sequence)
}

// SequenceOf extracts the sequence number from a sequential node name or path.
func SequenceOf(name string) (int64, error) {
	if len(name) < SequenceDigits {
		return 0, Errorf(ErrBadArguments, "%q is too short to carry a sequence", name)
	}
	seq, err := strconv.ParseInt(name[len(name)-SequenceDigits:], 10, 64)
	if err != nil {
		return 0, Errorf(ErrBadArguments, "%q does not carry a sequence [%v]", name, err)
	}
	return seq, nil
}

// pathCreator is the subset of Client needed to build a path.
type pathCreator interface {
	CreateIfNotExists(path string, data []byte, flags Flags) (string, error)
}

// EnsurePath creates every ancestor of path, and path itself, as empty persistent nodes; segments which exist
// already are fine. The root always exists, so "/" is a no-op. Store implementations use this to provide
// Client.EnsurePath.
func EnsurePath(c pathCreator, path string) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	if path == PathSeparator {
		return nil
	}

	for i := 1; i <= len(path); i++ {
		if i < len(path) && path[i:i+1] != PathSeparator {
			continue
		}
		if _, err := c.CreateIfNotExists(path[:i], nil, 0); err != nil {
			return Errorf(err, "ensure path %s", path[:i])
		}
	}
	return nil
}
