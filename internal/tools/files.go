package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// validatePath ensures the path is within the workspace and prevents traversal.
func validatePath(workspace, relPath string) (string, error) {
	if workspace == "" {
		return "", fmt.Errorf("no workspace configured")
	}
	abs := filepath.Join(workspace, filepath.Clean(filepath.FromSlash(relPath)))
	absResolved, err := filepath.Abs(abs)
	if err != nil {
		return "", fmt.Errorf("invalid path: %w", err)
	}
	wsResolved, err := filepath.Abs(workspace)
	if err != nil {
		return "", fmt.Errorf("invalid workspace: %w", err)
	}
	if !strings.HasPrefix(absResolved, wsResolved+string(filepath.Separator)) && absResolved != wsResolved {
		return "", fmt.Errorf("path traversal not allowed: %s", relPath)
	}
	return absResolved, nil
}

type dirEntry struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

func registerFileTools(r *Registry, root string) {
	r.Register("readFile", func(_ context.Context, _ Caller, args []string) (string, error) {
		rel, err := required(args, 0, "filePath")
		if err != nil {
			return "", err
		}
		abs, err := validatePath(root, rel)
		if err != nil {
			return "", err
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			return "", fmt.Errorf("read file: %w", err)
		}
		return string(data), nil
	})

	// Content may itself contain the argument delimiter, so everything after
	// the path is rejoined.
	r.Register("writeFile", func(_ context.Context, _ Caller, args []string) (string, error) {
		rel, err := required(args, 0, "filePath")
		if err != nil {
			return "", err
		}
		abs, err := validatePath(root, rel)
		if err != nil {
			return "", err
		}
		content := ""
		if len(args) > 1 {
			content = strings.Join(args[1:], "|")
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return "", fmt.Errorf("create directory: %w", err)
		}
		if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
			return "", fmt.Errorf("write file: %w", err)
		}
		return "File written: " + rel, nil
	})

	r.Register("deleteFile", func(_ context.Context, _ Caller, args []string) (string, error) {
		rel, err := required(args, 0, "filePath")
		if err != nil {
			return "", err
		}
		abs, err := validatePath(root, rel)
		if err != nil {
			return "", err
		}
		if err := os.Remove(abs); err != nil {
			return "", fmt.Errorf("delete file: %w", err)
		}
		return "File deleted: " + rel, nil
	})

	r.Register("listDir", func(_ context.Context, _ Caller, args []string) (string, error) {
		rel := arg(args, 0, ".")
		abs, err := validatePath(root, rel)
		if err != nil {
			return "", err
		}
		entries, err := os.ReadDir(abs)
		if err != nil {
			return "", fmt.Errorf("list dir: %w", err)
		}
		out := make([]dirEntry, 0, len(entries))
		for _, e := range entries {
			kind := "file"
			if e.IsDir() {
				kind = "directory"
			}
			out = append(out, dirEntry{Name: e.Name(), Type: kind})
		}
		data, err := json.Marshal(out)
		if err != nil {
			return "", err
		}
		return string(data), nil
	})

	r.Register("mkdir", func(_ context.Context, _ Caller, args []string) (string, error) {
		rel, err := required(args, 0, "dirPath")
		if err != nil {
			return "", err
		}
		abs, err := validatePath(root, rel)
		if err != nil {
			return "", err
		}
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return "", fmt.Errorf("create directory: %w", err)
		}
		return "Directory created: " + rel, nil
	})

	r.Register("exists", func(_ context.Context, _ Caller, args []string) (string, error) {
		rel, err := required(args, 0, "filePath")
		if err != nil {
			return "", err
		}
		abs, err := validatePath(root, rel)
		if err != nil {
			return "", err
		}
		_, err = os.Stat(abs)
		switch {
		case err == nil:
			return "true", nil
		case errors.Is(err, fs.ErrNotExist):
			return "false", nil
		default:
			return "", err
		}
	})
}
