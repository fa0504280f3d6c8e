package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileOwner selects who owns injected files inside the container.
type FileOwner string

const (
	// OwnerSandbox makes files owned by the leased identity.
	OwnerSandbox FileOwner = "sandbox"
	// OwnerRoot makes files owned by root, out of the payload's reach.
	OwnerRoot FileOwner = "root"
)

// File is one file to inject into the sandbox working directory. Either
// Source names a host path, or Name plus Content supply the file inline.
type File struct {
	// Source is a host path to copy in. The destination keeps its base
	// name unless Name overrides it.
	Source string

	// Name is the destination file name inside the working directory.
	Name string

	// Content, when non-nil, is used instead of reading Source.
	Content []byte
}

// AddFileOptions control ownership and writability of injected files.
type AddFileOptions struct {
	// Owner defaults to OwnerSandbox.
	Owner FileOwner

	// ReadOnly injects the files with mode 0444 instead of 0644.
	ReadOnly bool
}

// AddFiles copies files into the sandbox working directory with their final
// ownership and mode. Permissions ride inside the archive itself, so there
// is never a moment when a file sits in the container with looser ownership
// than requested.
//
// All source files are read before anything is copied: a missing or
// unreadable source fails the whole call with the container untouched.
func (s *Sandbox) AddFiles(ctx context.Context, files []File, opts AddFileOptions) error {
	if len(files) == 0 {
		return nil
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()

	uid, containerID, err := s.beginExec()
	if err != nil {
		return err
	}
	defer s.endExec()

	owner := opts.Owner
	if owner == "" {
		owner = OwnerSandbox
	}
	var hdrUID int
	switch owner {
	case OwnerSandbox:
		hdrUID = int(uid)
	case OwnerRoot:
		hdrUID = 0
	default:
		return fmt.Errorf("sandbox: unknown file owner %q", owner)
	}

	mode := int64(0o644)
	if opts.ReadOnly {
		mode = 0o444
	}

	type entry struct {
		name    string
		content []byte
	}
	entries := make([]entry, 0, len(files))
	seen := make(map[string]struct{}, len(files))
	for _, f := range files {
		name := f.Name
		if name == "" {
			name = filepath.Base(f.Source)
		}
		if name == "" || name == "." || name == ".." || strings.ContainsRune(name, '/') {
			return fmt.Errorf("sandbox: invalid destination file name %q", name)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("sandbox: duplicate destination file name %q", name)
		}
		seen[name] = struct{}{}

		content := f.Content
		if content == nil {
			if f.Source == "" {
				return errors.New("sandbox: file needs either a source path or content")
			}
			content, err = os.ReadFile(f.Source)
			if err != nil {
				return fmt.Errorf("sandbox: read %s: %w", f.Source, err)
			}
		}
		entries = append(entries, entry{name: name, content: content})
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	now := time.Now()
	for _, e := range entries {
		hdr := &tar.Header{
			Name:    e.name,
			Mode:    mode,
			Uid:     hdrUID,
			Gid:     hdrUID,
			Size:    int64(len(e.content)),
			ModTime: now,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("sandbox: build archive: %w", err)
		}
		if _, err := tw.Write(e.content); err != nil {
			return fmt.Errorf("sandbox: build archive: %w", err)
		}
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("sandbox: build archive: %w", err)
	}

	if err := s.rt.CopyToContainer(ctx, containerID, s.cfg.WorkingDir, &buf); err != nil {
		return fmt.Errorf("sandbox: copy files in: %w", err)
	}
	return nil
}

// AddFileAs injects a single host file under a different destination name.
func (s *Sandbox) AddFileAs(ctx context.Context, source, name string, opts AddFileOptions) error {
	return s.AddFiles(ctx, []File{{Source: source, Name: name}}, opts)
}
