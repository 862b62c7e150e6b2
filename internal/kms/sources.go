package kms

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// EnvSource reads key material from an environment variable.
type EnvSource struct {
	Var    string
	lookup func(string) (string, bool)
}

func NewEnvSource(name string) *EnvSource {
	return &EnvSource{Var: name, lookup: os.LookupEnv}
}

func (s *EnvSource) Name() string {
	return "env:" + s.Var
}

func (s *EnvSource) Fetch(ctx context.Context) ([]byte, error) {
	value, ok := s.lookup(s.Var)
	if !ok || value == "" {
		return nil, ErrNotConfigured
	}
	return []byte(value), nil
}

// FileSource reads key material from a file, typically a mounted secret.
type FileSource struct {
	Path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

func (s *FileSource) Name() string {
	return "file:" + s.Path
}

func (s *FileSource) Fetch(ctx context.Context) ([]byte, error) {
	if s.Path == "" {
		return nil, ErrNotConfigured
	}
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotConfigured
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	return data, nil
}
