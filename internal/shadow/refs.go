package shadow

import (
	"errors"
	"fmt"
	"strings"
)

// segmentRefSpace is where per-segment pointers live, away from ordinary
// branches. A merge segment reads its branch predecessor's tip from here
// before the owning trunk segment has advanced the main pointer.
const segmentRefSpace = "refs/accretion/segments/"

// ErrBadBranchName means a shadow branch name would not survive git's ref
// syntax rules.
var ErrBadBranchName = errors.New("invalid branch name")

// TrunkRef returns the full ref for the shadow trunk pointer.
func TrunkRef(branch string) string {
	return "refs/heads/" + branch
}

// SegmentRef returns the auxiliary ref for a non-trunk segment's tip.
func SegmentRef(segmentID string) string {
	return segmentRefSpace + segmentID
}

// ValidateBranchName rejects names git update-ref would refuse. The checks
// mirror git-check-ref-format for a single-level branch component.
func ValidateBranchName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrBadBranchName)
	case strings.HasPrefix(name, "-"), strings.HasPrefix(name, "."):
		return fmt.Errorf("%w: %q starts with %q", ErrBadBranchName, name, name[:1])
	case strings.HasSuffix(name, "/"), strings.HasSuffix(name, "."), strings.HasSuffix(name, ".lock"):
		return fmt.Errorf("%w: %q has a forbidden suffix", ErrBadBranchName, name)
	case strings.Contains(name, ".."), strings.Contains(name, "//"), strings.Contains(name, "@{"):
		return fmt.Errorf("%w: %q contains a forbidden sequence", ErrBadBranchName, name)
	}
	for _, r := range name {
		if r <= ' ' || r == 0x7f || strings.ContainsRune("~^:?*[\\", r) {
			return fmt.Errorf("%w: %q contains %q", ErrBadBranchName, name, r)
		}
	}
	return nil
}
