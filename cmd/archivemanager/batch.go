package main

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/openrelayxyz/archivemanager/archive"
)

// batch is the YAML manifest accepted by pack and deploy.
//
//	level: normal
//	files:
//	  - {source: build/README.txt, archive: out.lib, entry: README.txt}
//	deploy:
//	  - {from: build/setup.ini, pack: setup.cab, entry: setup.ini}
type batch struct {
	Level  string                          `yaml:"level"`
	Files  []archive.FileToArchive         `yaml:"files"`
	Deploy []archive.FileToDeployInPackage `yaml:"deploy"`
}

func loadBatch(p string) (*batch, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	var b batch
	if err := yaml.UnmarshalStrict(data, &b); err != nil {
		return nil, errors.Wrapf(err, "parse %s", p)
	}
	return &b, nil
}

// positional builds a request from "<archive> <file>...". Relative files keep
// their path as the entry key, absolute ones only their base name.
func positional(args []string) []archive.FileToArchive {
	dest, sources := args[0], args[1:]
	files := make([]archive.FileToArchive, len(sources))
	for i, src := range sources {
		key := filepath.Base(src)
		if !filepath.IsAbs(src) {
			key = filepath.ToSlash(filepath.Clean(src))
		}
		files[i] = archive.FileToArchive{SourcePath: src, ArchivePath: dest, RelativePathInArchive: key}
	}
	return files
}
