// Package stage relocates screenshot files between the watched directory
// and the three holding directories (in progress, passed, failed).
//
// Holding directories are siblings of a watch target's anchor, the nearest
// directory of the target that existed when it was registered. Inside each
// holding directory a session keeps its files under the anchor's base name
// followed by the session directory's path relative to the anchor, so
// sessions discovered from the same target never share a directory:
//
//	anchor Logs/ABC, session Logs/ABC           ->  Logs/IN-PROGRESS/ABC/shot1.png
//	anchor Logs, session Logs/XYZ/assets/shots  ->  IN-PROGRESS/Logs/XYZ/assets/shots/shot1.png
package stage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/steveyegge/eyeswatch/internal/eyes"
)

// Location names one of the holding directories.
type Location int

const (
	// InProgress holds files submitted to a comparison that has not closed.
	InProgress Location = iota
	// Passed holds files whose comparison passed or created a baseline.
	Passed
	// Failed holds files whose comparison failed or errored.
	Failed
)

// String returns a human-readable representation of the location.
func (l Location) String() string {
	switch l {
	case InProgress:
		return "in-progress"
	case Passed:
		return "passed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Names holds the directory names of the three holding locations.
type Names struct {
	InProgress string `mapstructure:"in-progress" json:"in_progress" yaml:"in-progress" toml:"in-progress"`
	Passed     string `mapstructure:"passed" json:"passed" yaml:"passed" toml:"passed"`
	Failed     string `mapstructure:"failed" json:"failed" yaml:"failed" toml:"failed"`
}

// DefaultNames returns the conventional holding directory names.
func DefaultNames() Names {
	return Names{InProgress: "IN-PROGRESS", Passed: "DONE", Failed: "FAILED"}
}

var (
	// ErrCollision is returned when the destination already holds a file
	// with the same name. The existing file wins.
	ErrCollision = errors.New("destination already exists")

	// ErrVanished is returned when the source was removed before it could
	// be moved.
	ErrVanished = errors.New("source no longer exists")

	// ErrMove is returned for any other failed move.
	ErrMove = errors.New("move failed")
)

// RelocationError describes a file that could not be moved.
type RelocationError struct {
	Kind error
	Src  string
	Dst  string
	Err  error
}

func (e *RelocationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("relocate %s to %s: %v", e.Src, e.Dst, e.Kind)
	}
	return fmt.Sprintf("relocate %s to %s: %v: %v", e.Src, e.Dst, e.Kind, e.Err)
}

func (e *RelocationError) Unwrap() error { return e.Kind }

// Result is the outcome of relocating one file during Finalize.
type Result struct {
	Src string
	Dst string
	Err error
}

// Stager moves the files of one session. It is safe for concurrent use.
type Stager struct {
	root   string // parent of the anchor
	prefix string // anchor base name joined with the session's relative path
	names  Names
	logger zerolog.Logger

	mu      sync.Mutex
	created map[Location]bool
}

// New creates a Stager for sessionDir, which must be anchor or lie below it.
// No directories are created until a file is moved.
func New(anchor, sessionDir string, names Names, logger zerolog.Logger) (*Stager, error) {
	anchor = filepath.Clean(anchor)
	sessionDir = filepath.Clean(sessionDir)

	rel, err := filepath.Rel(anchor, sessionDir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("session directory %s is not below anchor %s", sessionDir, anchor)
	}
	if names.InProgress == "" || names.Passed == "" || names.Failed == "" {
		return nil, fmt.Errorf("holding directory names cannot be empty")
	}

	return &Stager{
		root:    filepath.Dir(anchor),
		prefix:  filepath.Join(filepath.Base(anchor), rel),
		names:   names,
		logger:  logger.With().Str("component", "stage").Logger(),
		created: make(map[Location]bool),
	}, nil
}

// Root returns the top-level holding directory for loc.
func (s *Stager) Root(loc Location) string {
	return filepath.Join(s.root, s.name(loc))
}

// Dir returns the session's own directory inside the holding location.
func (s *Stager) Dir(loc Location) string {
	return filepath.Join(s.Root(loc), s.prefix)
}

func (s *Stager) name(loc Location) string {
	switch loc {
	case Passed:
		return s.names.Passed
	case Failed:
		return s.names.Failed
	default:
		return s.names.InProgress
	}
}

// ensure creates the session directory for loc on first use.
func (s *Stager) ensure(loc Location) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.created[loc] {
		return nil
	}
	dir := s.Dir(loc)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create %s directory: %w", loc, err)
	}
	s.logger.Debug().Str("dir", dir).Msgf("Created %s directory", loc)
	s.created[loc] = true
	return nil
}

// Stage moves path into the in-progress location, keeping its file name,
// and returns the new path.
//
// If the in-progress location already holds a file of the same name the
// move is refused with ErrCollision. If path disappeared the error wraps
// ErrVanished.
func (s *Stager) Stage(path string) (string, error) {
	dst := filepath.Join(s.Dir(InProgress), filepath.Base(path))

	if err := s.ensure(InProgress); err != nil {
		return "", &RelocationError{Kind: ErrMove, Src: path, Dst: dst, Err: err}
	}
	if _, err := os.Lstat(path); errors.Is(err, fs.ErrNotExist) {
		return "", &RelocationError{Kind: ErrVanished, Src: path, Dst: dst}
	}
	if _, err := os.Lstat(dst); err == nil {
		return "", &RelocationError{Kind: ErrCollision, Src: path, Dst: dst}
	}
	if err := os.Rename(path, dst); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", &RelocationError{Kind: ErrVanished, Src: path, Dst: dst}
		}
		return "", &RelocationError{Kind: ErrMove, Src: path, Dst: dst, Err: err}
	}

	s.logger.Debug().Str("file", path).Str("to", dst).Msg("Staged file")
	return dst, nil
}

// Destination returns where Finalize moves files for verdict v.
func Destination(v eyes.Verdict) Location {
	if v.Passed() {
		return Passed
	}
	return Failed
}

// Finalize moves every staged file to the passed or failed location
// according to verdict. A file that cannot be moved is reported in its
// Result and does not stop the batch. Existing files of the same name in
// the destination are replaced.
func (s *Stager) Finalize(staged []string, verdict eyes.Verdict) []Result {
	loc := Destination(verdict)
	results := make([]Result, 0, len(staged))
	if len(staged) == 0 {
		return results
	}

	dir := s.Dir(loc)
	dirErr := s.ensure(loc)

	for _, src := range staged {
		dst := filepath.Join(dir, filepath.Base(src))
		r := Result{Src: src, Dst: dst}

		switch {
		case dirErr != nil:
			r.Err = &RelocationError{Kind: ErrMove, Src: src, Dst: dst, Err: dirErr}
		default:
			if err := os.Rename(src, dst); err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					r.Err = &RelocationError{Kind: ErrVanished, Src: src, Dst: dst}
				} else {
					r.Err = &RelocationError{Kind: ErrMove, Src: src, Dst: dst, Err: err}
				}
			}
		}

		if r.Err != nil {
			s.logger.Warn().Err(r.Err).Str("file", src).Msgf("Could not move file to %s", loc)
		} else {
			s.logger.Debug().Str("file", src).Str("to", dst).Msgf("Moved file to %s", loc)
		}
		results = append(results, r)
	}
	return results
}
