package pipeline

import (
	"os"
	"path/filepath"
)

// ScratchDir is a per-job filesystem workspace for intermediates too
// large or too transient to belong in a Postgres column: the downloaded
// source video, extracted audio, sampled frames, cropped keyframes.
// Adapters address files within it by relative name. When
// cleanup-on-failure is enabled, the Stage Runner removes it as soon as
// a job fails and the Cleanup Supervisor removes it for aged failed
// jobs; a completed job's scratch directory is not removed.
type ScratchDir string

// Path joins the scratch root with the given relative path components.
func (s ScratchDir) Path(parts ...string) string {
	all := append([]string{string(s)}, parts...)
	return filepath.Join(all...)
}

// Ensure creates the scratch directory (and any parents) if it doesn't
// already exist.
func (s ScratchDir) Ensure() error {
	return os.MkdirAll(string(s), 0o755)
}

// Remove deletes the entire scratch directory tree.
func (s ScratchDir) Remove() error {
	return os.RemoveAll(string(s))
}

// ScratchRoot computes the scratch directory for one job under a base
// directory (typically $TMPDIR/pipeline or an operator-configured path).
func ScratchRoot(base, videoID, aiUserID string) ScratchDir {
	return ScratchDir(filepath.Join(base, videoID+"_"+aiUserID))
}
