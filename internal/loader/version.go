package loader

import (
	"regexp"
	"strconv"
	"strings"
)

// Filename version tokens: a trailing "_v2" / "-V1.3" style marker, or a
// trailing date ("2023-01-15" or "20230115"). Documents without a token are
// unversioned: still retrievable, but excluded from version ordering.
var (
	versionSuffixRe = regexp.MustCompile(`^(.+?)[_-][vV](\d+(?:\.\d+)*)$`)
	dateSuffixRe    = regexp.MustCompile(`^(.+?)[_-](\d{4}-\d{2}-\d{2}|\d{8})$`)
)

// SplitVersion parses a filename stem into a document family and a version
// token. The family is the stem with the token stripped; when no token is
// present, the family is the whole stem and the version is empty.
func SplitVersion(stem string) (family, version string) {
	if m := versionSuffixRe.FindStringSubmatch(stem); m != nil {
		return m[1], "v" + m[2]
	}
	if m := dateSuffixRe.FindStringSubmatch(stem); m != nil {
		return m[1], canonicalDate(m[2])
	}
	return stem, ""
}

// canonicalDate rewrites an 8-digit date as YYYY-MM-DD so date versions from
// either filename style compare consistently.
func canonicalDate(token string) string {
	if len(token) == 8 && !strings.Contains(token, "-") {
		return token[:4] + "-" + token[4:6] + "-" + token[6:]
	}
	return token
}

// CompareVersions orders two version tokens: negative when a precedes b.
// Numeric "vN.N" tokens compare segment-wise; date tokens compare
// lexicographically (canonical dates sort chronologically); mixed kinds fall
// back to string order. Empty (unversioned) sorts first.
func CompareVersions(a, b string) int {
	if a == b {
		return 0
	}
	if a == "" {
		return -1
	}
	if b == "" {
		return 1
	}
	aNum, aOK := versionSegments(a)
	bNum, bOK := versionSegments(b)
	if aOK && bOK {
		for i := 0; i < len(aNum) || i < len(bNum); i++ {
			av, bv := 0, 0
			if i < len(aNum) {
				av = aNum[i]
			}
			if i < len(bNum) {
				bv = bNum[i]
			}
			if av != bv {
				if av < bv {
					return -1
				}
				return 1
			}
		}
		return 0
	}
	return strings.Compare(a, b)
}

func versionSegments(v string) ([]int, bool) {
	if !strings.HasPrefix(v, "v") {
		return nil, false
	}
	parts := strings.Split(v[1:], ".")
	segs := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, false
		}
		segs[i] = n
	}
	return segs, true
}

// SortVersions orders version tokens ascending with CompareVersions.
func SortVersions(versions []string) {
	for i := 1; i < len(versions); i++ {
		for j := i; j > 0 && CompareVersions(versions[j], versions[j-1]) < 0; j-- {
			versions[j], versions[j-1] = versions[j-1], versions[j]
		}
	}
}
