// Package loader walks folders and yields indexable documents with their
// detected language. Detection is two-phase: extension first, then content
// anchor patterns.
package loader

import (
	"bytes"
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/agent-brain/agent-brain/internal/errors"
	"github.com/agent-brain/agent-brain/internal/gitignore"
)

// DefaultMaxFileSize bounds individual file reads (10MB).
const DefaultMaxFileSize = 10 * 1024 * 1024

// ignoredDirs is the conservative default ignore set: VCS metadata,
// dependency and build output folders.
var ignoredDirs = map[string]bool{
	".git": true, ".hg": true, ".svn": true,
	"node_modules": true, "vendor": true, "__pycache__": true,
	"dist": true, "build": true, "target": true,
	".venv": true, "venv": true, ".idea": true, ".vscode": true,
}

// IsIgnoredDir reports whether a directory name is excluded from walks
// and watches: the default ignore set plus hidden directories.
func IsIgnoredDir(name string) bool {
	return ignoredDirs[name] || strings.HasPrefix(name, ".")
}

// Document is one loaded file ready for chunking.
type Document struct {
	Path       string
	Content    []byte
	Language   string
	SourceType string
}

// Result is streamed from Walk; exactly one of Doc or Err is set.
type Result struct {
	Doc *Document
	Err error
}

// Options configures a walk.
type Options struct {
	Recursive       bool
	IncludeCode     bool
	IncludePatterns []string
	ExcludePatterns []string
	MaxFileSize     int64
}

// Loader walks folders for the indexing pipeline.
type Loader struct {
	opts Options
}

func New(opts Options) *Loader {
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	return &Loader{opts: opts}
}

// ValidateFolder checks that the path exists and is a readable directory.
func ValidateFolder(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return errors.Newf(errors.ErrCodeInvalidFolder, "folder %s: %v", path, err)
	}
	if !info.IsDir() {
		return errors.Newf(errors.ErrCodeInvalidFolder, "%s is not a directory", path)
	}
	return nil
}

// Walk streams documents in discovery order. The channel closes when the
// walk finishes or ctx is cancelled. Unreadable files are reported on the
// channel and skipped.
func (l *Loader) Walk(ctx context.Context, root string) (<-chan Result, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidFolder, err)
	}
	if err := ValidateFolder(absRoot); err != nil {
		return nil, err
	}

	ign := gitignore.ForRoot(absRoot)
	out := make(chan Result, 16)
	go func() {
		defer close(out)
		_ = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nil {
				return sendErr(ctx, out, err)
			}

			if d.IsDir() {
				if path == absRoot {
					return nil
				}
				name := d.Name()
				if ignoredDirs[name] || strings.HasPrefix(name, ".") {
					return filepath.SkipDir
				}
				if !l.opts.Recursive {
					return filepath.SkipDir
				}
				rel, relErr := filepath.Rel(absRoot, path)
				if relErr == nil {
					if ign.Match(filepath.ToSlash(rel), true) {
						return filepath.SkipDir
					}
					// Nested ignore files scope their rules to their own
					// subtree.
					nested := filepath.Join(path, gitignore.FileName)
					if _, statErr := os.Stat(nested); statErr == nil {
						_ = ign.AddFile(nested, filepath.ToSlash(rel))
					}
				}
				return nil
			}

			rel, relErr := filepath.Rel(absRoot, path)
			if relErr != nil {
				rel = path
			}
			if ign.Match(filepath.ToSlash(rel), false) {
				return nil
			}
			if !l.shouldLoad(rel, path) {
				return nil
			}

			info, statErr := d.Info()
			if statErr != nil {
				return sendErr(ctx, out, statErr)
			}
			if info.Size() > l.opts.MaxFileSize {
				slog.Debug("skipping oversized file", "path", rel, "size", info.Size())
				return nil
			}

			content, readErr := os.ReadFile(path)
			if readErr != nil {
				return sendErr(ctx, out, readErr)
			}
			if isBinary(content) {
				return nil
			}

			select {
			case out <- Result{Doc: &Document{
				Path:       path,
				Content:    content,
				Language:   DetectLanguage(path, content),
				SourceType: SourceTypeFor(path),
			}}:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		})
	}()
	return out, nil
}

// sendErr reports a skipped file on the channel without blocking past
// cancellation, so a walker whose consumer went away still terminates.
func sendErr(ctx context.Context, out chan<- Result, err error) error {
	select {
	case out <- Result{Err: err}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CountFiles walks the same filter set without reading file contents,
// giving the pipeline a files-total for progress reporting.
func (l *Loader) CountFiles(ctx context.Context, root string) (int, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return 0, errors.Wrap(errors.ErrCodeInvalidFolder, err)
	}
	if err := ValidateFolder(absRoot); err != nil {
		return 0, err
	}

	ign := gitignore.ForRoot(absRoot)
	count := 0
	err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path == absRoot {
				return nil
			}
			name := d.Name()
			if ignoredDirs[name] || strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			if !l.opts.Recursive {
				return filepath.SkipDir
			}
			rel, relErr := filepath.Rel(absRoot, path)
			if relErr == nil {
				if ign.Match(filepath.ToSlash(rel), true) {
					return filepath.SkipDir
				}
				nested := filepath.Join(path, gitignore.FileName)
				if _, statErr := os.Stat(nested); statErr == nil {
					_ = ign.AddFile(nested, filepath.ToSlash(rel))
				}
			}
			return nil
		}

		rel, relErr := filepath.Rel(absRoot, path)
		if relErr != nil {
			rel = path
		}
		if ign.Match(filepath.ToSlash(rel), false) {
			return nil
		}
		if !l.shouldLoad(rel, path) {
			return nil
		}
		if info, statErr := d.Info(); statErr != nil || info.Size() > l.opts.MaxFileSize {
			return nil
		}
		count++
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (l *Loader) shouldLoad(rel, path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	if !indexableExtension(path, l.opts.IncludeCode) {
		return false
	}

	for _, pattern := range l.opts.ExcludePatterns {
		if matchPattern(pattern, rel, base) {
			return false
		}
	}
	if len(l.opts.IncludePatterns) > 0 {
		for _, pattern := range l.opts.IncludePatterns {
			if matchPattern(pattern, rel, base) {
				return true
			}
		}
		return false
	}
	return true
}

// matchPattern matches a glob against the relative path and the basename,
// so "*.md" and "docs/*.md" both behave as expected.
func matchPattern(pattern, rel, base string) bool {
	if ok, _ := filepath.Match(pattern, rel); ok {
		return true
	}
	if ok, _ := filepath.Match(pattern, base); ok {
		return true
	}
	return false
}

// isBinary sniffs the first KB for NUL bytes.
func isBinary(content []byte) bool {
	head := content
	if len(head) > 1024 {
		head = head[:1024]
	}
	return bytes.IndexByte(head, 0) != -1
}
