// Package compression builds stream encoders and decoders from a signature
// of the form "alg[:level[:dictionary]]", e.g. "zstd:19" or "zlib:6".
package compression

import (
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"

	"github.com/openrelayxyz/archivemanager/archive"
)

// None is the signature of the identity encoding.
const None = "none"

// Signature is a parsed compressor signature.
type Signature struct {
	Alg        string
	Level      int // -1 selects the algorithm default
	Dictionary string
}

func (s Signature) String() string {
	if s.Alg == None || s.Level < 0 {
		return s.Alg
	}
	out := s.Alg + ":" + strconv.Itoa(s.Level)
	if s.Dictionary != "" {
		out += ":" + s.Dictionary
	}
	return out
}

// Parse splits sig into its parts. An empty signature means None.
func Parse(sig string) (Signature, error) {
	if sig == "" {
		return Signature{Alg: None, Level: -1}, nil
	}
	parts := strings.SplitN(sig, ":", 3)
	s := Signature{Alg: parts[0], Level: -1}
	switch s.Alg {
	case None, "zstd", "zlib", "s2", "snappy", "lz4":
	default:
		return s, errors.Errorf("unknown compression algorithm %q", s.Alg)
	}
	if len(parts) > 1 && parts[1] != "" {
		level, err := strconv.Atoi(parts[1])
		if err != nil {
			return s, errors.Wrapf(err, "compression level in %q", sig)
		}
		s.Level = level
	}
	if len(parts) > 2 {
		s.Dictionary = parts[2]
	}
	return s, nil
}

// ForLevel picks the signature used for a backend agnostic level.
func ForLevel(level archive.CompressionLevel) string {
	switch level {
	case archive.CompressionFastest:
		return "s2"
	case archive.CompressionNormal:
		return "zstd:3"
	case archive.CompressionBest:
		return "zstd:19"
	}
	return None
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// NewWriter wraps w in the encoder named by sig. Closing the returned writer
// flushes the encoder but does not close w.
func NewWriter(sig string, w io.Writer) (io.WriteCloser, error) {
	s, err := Parse(sig)
	if err != nil {
		return nil, err
	}
	switch s.Alg {
	case "zstd":
		if s.Level == -1 {
			s.Level = 3
		}
		opts := []zstd.EOption{zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(s.Level))}
		if s.Dictionary != "" {
			dict, err := os.ReadFile(s.Dictionary)
			if err != nil {
				return nil, errors.Wrap(err, "read zstd dictionary")
			}
			opts = append(opts, zstd.WithEncoderDict(dict))
		}
		return zstd.NewWriter(w, opts...)
	case "zlib":
		if s.Level == -1 {
			s.Level = 6
		}
		return zlib.NewWriterLevel(w, s.Level)
	case "s2":
		return s2.NewWriter(w), nil
	case "snappy":
		return snappy.NewBufferedWriter(w), nil
	case "lz4":
		zw := lz4.NewWriter(w)
		if s.Level > 0 {
			if err := zw.Apply(lz4.CompressionLevelOption(lz4Level(s.Level))); err != nil {
				return nil, errors.Wrap(err, "lz4 level")
			}
		}
		return zw, nil
	}
	return nopWriteCloser{w}, nil
}

func lz4Level(n int) lz4.CompressionLevel {
	levels := []lz4.CompressionLevel{lz4.Level1, lz4.Level2, lz4.Level3, lz4.Level4, lz4.Level5, lz4.Level6, lz4.Level7, lz4.Level8, lz4.Level9}
	if n > len(levels) {
		n = len(levels)
	}
	return levels[n-1]
}

// NewReader wraps r in the decoder named by sig.
func NewReader(sig string, r io.Reader) (io.ReadCloser, error) {
	s, err := Parse(sig)
	if err != nil {
		return nil, err
	}
	switch s.Alg {
	case "zstd":
		opts := []zstd.DOption{}
		if s.Dictionary != "" {
			dict, err := os.ReadFile(s.Dictionary)
			if err != nil {
				return nil, errors.Wrap(err, "read zstd dictionary")
			}
			opts = append(opts, zstd.WithDecoderDicts(dict))
		}
		dec, err := zstd.NewReader(r, opts...)
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	case "zlib":
		return zlib.NewReader(r)
	case "s2":
		return io.NopCloser(s2.NewReader(r)), nil
	case "snappy":
		return io.NopCloser(snappy.NewReader(r)), nil
	case "lz4":
		return io.NopCloser(lz4.NewReader(r)), nil
	}
	return io.NopCloser(r), nil
}
