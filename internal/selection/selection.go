// Package selection expands command line arguments into the files to upload.
package selection

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"
)

// Evaluator resolves paths and ** patterns.
type Evaluator struct {
	pathModifier pathutil.PathModifier
	pathChecker  pathutil.PathChecker
	logger       log.Logger
}

// NewEvaluator ...
func NewEvaluator(pathModifier pathutil.PathModifier, pathChecker pathutil.PathChecker, logger log.Logger) *Evaluator {
	if pathModifier == nil {
		pathModifier = pathutil.NewPathModifier()
	}
	if pathChecker == nil {
		pathChecker = pathutil.NewPathChecker()
	}
	if logger == nil {
		logger = log.NewLogger()
	}
	return &Evaluator{pathModifier: pathModifier, pathChecker: pathChecker, logger: logger}
}

// Evaluate returns the absolute paths of the existing regular files among args, in argument
// order and without duplicates. Patterns without a match and missing files are skipped
// with a warning.
func (e *Evaluator) Evaluate(args []string) []string {
	var expanded []string
	for _, arg := range args {
		if !strings.ContainsAny(arg, "*?[{") {
			expanded = append(expanded, arg)
			continue
		}

		base, pattern := doublestar.SplitPattern(arg)
		absBase, err := e.pathModifier.AbsPath(base) // resolves ~/ and expands envs
		if err != nil {
			e.logger.Warnf("Failed to resolve %s: %s", base, err)
			continue
		}
		matches, err := doublestar.Glob(os.DirFS(absBase), pattern, doublestar.WithFilesOnly(), doublestar.WithNoFollow())
		if err != nil {
			e.logger.Warnf("Error in path pattern '%s': %s", arg, err)
			continue
		}
		if len(matches) == 0 {
			e.logger.Warnf("No match for path pattern: %s", arg)
			continue
		}
		for _, match := range matches {
			expanded = append(expanded, filepath.Join(absBase, match))
		}
	}

	seen := map[string]bool{}
	var files []string
	for _, path := range expanded {
		absPath, err := e.pathModifier.AbsPath(path)
		if err != nil {
			e.logger.Warnf("Failed to parse path %s, error: %s", path, err)
			continue
		}

		exists, err := e.pathChecker.IsPathExists(absPath)
		if err != nil {
			e.logger.Warnf("Failed to check path %s, error: %s", absPath, err)
		}
		if !exists {
			e.logger.Warnf("File doesn't exist: %s", path)
			continue
		}
		if isDir, err := e.pathChecker.IsDirExists(absPath); err == nil && isDir {
			e.logger.Warnf("Skipping directory: %s", path)
			continue
		}
		if seen[absPath] {
			continue
		}
		seen[absPath] = true
		files = append(files, absPath)
	}
	return files
}
