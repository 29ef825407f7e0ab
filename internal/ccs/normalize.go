package ccs

import (
	"archive/tar"
	"time"
)

// DefaultSourceDateEpoch is the fallback timestamp used when
// normalize_timestamps is set but no SOURCE_DATE_EPOCH is supplied.
var DefaultSourceDateEpoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// normalizeTarHeader sets hdr's ModTime to epoch, zeroes its access and
// change times and ownership fields, and forces the
// directory/symlink modes spec §4.4 requires, so that two builds of
// byte-identical content produce a byte-identical archive regardless of
// when or where they ran.
func normalizeTarHeader(hdr *tar.Header, epoch time.Time) {
	hdr.ModTime = epoch
	hdr.AccessTime = time.Time{}
	hdr.ChangeTime = time.Time{}
	hdr.Uid = 0
	hdr.Gid = 0
	hdr.Uname = ""
	hdr.Gname = ""
	// PAX format is required once we zero ChangeTime/AccessTime deliberately;
	// USTAR silently drops some of these fields, which would make the
	// normalization invisible at the header level but not deterministic
	// across tar implementations.
	hdr.Format = tar.FormatPAX

	switch hdr.Typeflag {
	case tar.TypeDir:
		hdr.Mode = 0o755
	case tar.TypeSymlink:
		hdr.Mode = 0o777
	}
}
