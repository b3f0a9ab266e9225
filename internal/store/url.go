package store

import (
	"crypto/md5"
	"fmt"
	"net/url"
)

// URL is the decomposed form of a request target. Path and Query keep the
// exact bytes they were registered with; equality is defined by the MD5
// hashes of those bytes, scoped to the owning domain.
type URL struct {
	Scheme string
	Netloc string
	Path   string
	Query  string
}

// ParseURL splits a raw URL into its stored components. Fragments are
// dropped. The scheme and network location are required; everything after
// them is preserved byte for byte.
func ParseURL(raw string) (URL, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return URL{}, fmt.Errorf("store: parsing url %q: %w", raw, err)
	}

	if parsed.Scheme == "" || parsed.Host == "" {
		return URL{}, fmt.Errorf("store: parsing url %q: missing scheme or host", raw)
	}

	netloc := parsed.Host
	if parsed.User != nil {
		netloc = parsed.User.String() + "@" + parsed.Host
	}

	return URL{
		Scheme: parsed.Scheme,
		Netloc: netloc,
		Path:   parsed.EscapedPath(),
		Query:  parsed.RawQuery,
	}, nil
}

// String reconstructs the canonical URL: "{scheme}://{netloc}{path}" with
// "?query" appended when a query is present.
func (u URL) String() string {
	s := u.Scheme + "://" + u.Netloc + u.Path
	if u.Query != "" {
		s += "?" + u.Query
	}

	return s
}

// PathHash returns the MD5 digest of the path bytes.
func (u URL) PathHash() []byte {
	sum := md5.Sum([]byte(u.Path))
	return sum[:]
}

// QueryHash returns the MD5 digest of the query bytes.
func (u URL) QueryHash() []byte {
	sum := md5.Sum([]byte(u.Query))
	return sum[:]
}
