// Package bytesize reads chunk and file size limits written as "10MB" or
// "512KiB" in config files.
package bytesize

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

const (
	KB int64 = 1 << 10
	MB int64 = 1 << 20
	GB int64 = 1 << 30
)

// units are binary; the "B" and "iB" spellings mean the same thing.
var units = map[string]int64{
	"": 1, "B": 1,
	"K": KB, "KB": KB, "KIB": KB,
	"M": MB, "MB": MB, "MIB": MB,
	"G": GB, "GB": GB, "GIB": GB,
}

// Parse reads a size like "1024", "10MB" or "1.5 GiB".
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	num := strings.TrimRightFunc(s, unicode.IsLetter)
	unit := strings.ToUpper(s[len(num):])
	num = strings.TrimSpace(num)
	if num == "" {
		return 0, fmt.Errorf("invalid size %q", s)
	}

	mult, ok := units[unit]
	if !ok {
		return 0, fmt.Errorf("invalid size %q: unknown unit %q", s, unit)
	}
	v, err := strconv.ParseFloat(num, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return int64(v * float64(mult)), nil
}

// Size is a byte count that accepts either an integer or a unit string in YAML.
type Size int64

func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	n, err := Parse(raw)
	if err != nil {
		return err
	}
	*s = Size(n)
	return nil
}

// MarshalYAML writes the plain byte count.
func (s Size) MarshalYAML() (any, error) {
	return int64(s), nil
}

func (s Size) Bytes() int64 { return int64(s) }

func (s Size) String() string {
	n := int64(s)
	for _, u := range []struct {
		size int64
		name string
	}{{GB, "GiB"}, {MB, "MiB"}, {KB, "KiB"}} {
		if n >= u.size && n%u.size == 0 {
			return fmt.Sprintf("%d%s", n/u.size, u.name)
		}
	}
	return fmt.Sprintf("%dB", n)
}
