package s3store

import "time"

const manifestName = "manifest.json"

// fileRecord locates one entry. Size is the uncompressed length, Stored the
// object length.
type fileRecord struct {
	Key         string    `json:"k"`
	Size        uint64    `json:"s"`
	Stored      uint64    `json:"z"`
	Compression string    `json:"c"`
	Modified    time.Time `json:"m"`
}

type manifest struct {
	Files map[string]fileRecord `json:"f"`
}

// target is a parsed s3://bucket/prefix[?compressor=sig] address.
type target struct {
	bucket     string
	prefix     string
	compressor string
}
