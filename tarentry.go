package layerpeek

import "strings"

// Typeflag values recognised by the ustar parser (spec §3/§4.1).
const (
	TypeRegular       byte = '0'
	TypeRegularAlt    byte = '\x00' // pre-POSIX tar writers sometimes leave this NUL
	TypeHardLink      byte = '1'
	TypeSymlink       byte = '2'
	TypeCharDevice    byte = '3'
	TypeBlockDevice   byte = '4'
	TypeDirectory     byte = '5'
	TypeFIFO          byte = '6'
	TypeContiguous    byte = '7'
)

// TarEntry is one filesystem entry parsed from a layer's tar stream (spec §3).
type TarEntry struct {
	Name      string
	Size      int64
	Typeflag  byte
	IsDir     bool
	IsSymlink bool
	Mode      string // 10-char string, e.g. "drwxr-xr-x"
	UID       int
	GID       int
	Mtime     string // "YYYY-MM-DD HH:MM", or the sentinel below when unknown
	Linkname  string
}

// NoMtimeSentinel is used when a caller needs a placeholder mtime string (spec §3).
const NoMtimeSentinel = "----.--.-- --:--"

// NormalizeName strips a leading "/" and "./" the way spec §4.7 requires before comparing
// entry names against a requested carve path.
func NormalizeName(name string) string {
	name = strings.TrimPrefix(name, "./")
	name = strings.TrimPrefix(name, "/")
	return name
}
