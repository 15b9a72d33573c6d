package sessioncontext

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/grovetools/collab/errors"
)

// LatestVersion is the sentinel that selects the live workflow.
const LatestVersion = "latest"

// VersionRef selects either the live workflow or a saved snapshot.
type VersionRef struct {
	latest      bool
	lockVersion int
}

// Latest returns the reference to the live workflow.
func Latest() VersionRef {
	return VersionRef{latest: true}
}

// AtLockVersion returns a reference to the snapshot saved at v.
func AtLockVersion(v int) VersionRef {
	return VersionRef{lockVersion: v}
}

// ParseVersionRef accepts a non-negative lock version or "latest". An empty
// string means latest.
func ParseVersionRef(s string) (VersionRef, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, LatestVersion) {
		return Latest(), nil
	}
	n, err := strconv.Atoi(strings.TrimPrefix(s, "v"))
	if err != nil || n < 0 {
		return VersionRef{}, errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("invalid version %q: expected a lock version or %q", s, LatestVersion))
	}
	return AtLockVersion(n), nil
}

// IsLatest reports whether ref selects the live workflow.
func (r VersionRef) IsLatest() bool {
	return r.latest
}

// LockVersion returns the selected snapshot; ok is false for latest.
func (r VersionRef) LockVersion() (v int, ok bool) {
	return r.lockVersion, !r.latest
}

func (r VersionRef) String() string {
	if r.latest {
		return LatestVersion
	}
	return strconv.Itoa(r.lockVersion)
}

// Topic returns the room topic for workflowID at ref.
func Topic(workflowID string, ref VersionRef) string {
	topic := "workflow:collaborate:" + workflowID
	if v, ok := ref.LockVersion(); ok {
		topic += ":v" + strconv.Itoa(v)
	}
	return topic
}

// ParseTopic splits a room topic into workflow id and version.
func ParseTopic(topic string) (workflowID string, ref VersionRef, err error) {
	const prefix = "workflow:collaborate:"
	if !strings.HasPrefix(topic, prefix) {
		return "", VersionRef{}, errors.New(errors.ErrCodeInvalidInput, fmt.Sprintf("not a workflow topic: %q", topic))
	}
	rest := strings.TrimPrefix(topic, prefix)
	id, suffix, versioned := strings.Cut(rest, ":")
	if id == "" {
		return "", VersionRef{}, errors.New(errors.ErrCodeInvalidInput, fmt.Sprintf("missing workflow id in %q", topic))
	}
	if !versioned {
		return id, Latest(), nil
	}
	if !strings.HasPrefix(suffix, "v") {
		return "", VersionRef{}, errors.New(errors.ErrCodeInvalidInput, fmt.Sprintf("bad version suffix in %q", topic))
	}
	ref, err = ParseVersionRef(suffix)
	if err != nil {
		return "", VersionRef{}, err
	}
	if ref.IsLatest() {
		return "", VersionRef{}, errors.New(errors.ErrCodeInvalidInput, fmt.Sprintf("bad version suffix in %q", topic))
	}
	return id, ref, nil
}
