// Package repometa parses repository index metadata (spec §6.5). A
// repository publishes either a native package-manager format (Arch
// *.db.tar, Debian Packages(.gz), Fedora repodata/repomd.xml) or a plain
// JSON shape; both are normalized to []PackageMetadata. When a repository
// defines content_url, download URLs are rebased onto the content mirror
// and the downloaded bytes are checksummed against the trusted metadata
// checksum before being trusted.
package repometa

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"io"
	"strings"

	"github.com/ConaryLabs/conary/internal/cerr"
)

// Format identifies the wire shape of a repository's index.
type Format int

const (
	FormatUnknown Format = iota
	FormatJSON
	FormatArchDB
	FormatDebianPackages
	FormatFedoraRepomd
)

// PackageMetadata is one entry in a repository index, normalized across
// all supported native formats.
type PackageMetadata struct {
	Name        string
	Version     string
	Arch        string
	DownloadURL string
	Checksum    string // sha256, lowercase hex, as published by the (trusted) metadata
	Size        int64
	Depends     []string
}

// Index is the parsed form of one repository's metadata document.
type Index struct {
	Name     string
	Version  string
	Packages []PackageMetadata
}

// jsonIndex mirrors spec §6.5's JSON shape: {name, version, packages: [...]}.
type jsonIndex struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Packages []struct {
		Name        string   `json:"name"`
		Version     string   `json:"version"`
		Arch        string   `json:"arch"`
		DownloadURL string   `json:"download_url"`
		Checksum    string   `json:"checksum"`
		Size        int64    `json:"size"`
		Depends     []string `json:"depends"`
	} `json:"packages"`
}

// DetectFormat classifies a repository index by name/URL heuristic (spec
// §6.5: "detected by repo name/URL heuristic").
func DetectFormat(nameOrURL string) Format {
	lower := strings.ToLower(nameOrURL)
	switch {
	case strings.HasSuffix(lower, ".db.tar") || strings.HasSuffix(lower, ".db.tar.gz") || strings.HasSuffix(lower, ".db.tar.zst"):
		return FormatArchDB
	case strings.HasSuffix(lower, "packages.gz") || strings.HasSuffix(lower, "packages"):
		return FormatDebianPackages
	case strings.HasSuffix(lower, "repomd.xml") || strings.Contains(lower, "repodata/"):
		return FormatFedoraRepomd
	case strings.HasSuffix(lower, ".json"):
		return FormatJSON
	default:
		return FormatUnknown
	}
}

// Parse dispatches to the format-specific parser and returns a normalized
// Index.
func Parse(format Format, r io.Reader) (Index, error) {
	switch format {
	case FormatJSON:
		return parseJSON(r)
	case FormatArchDB:
		return parseArchDB(r)
	case FormatDebianPackages:
		return parseDebianPackages(r)
	case FormatFedoraRepomd:
		return parseFedoraRepomd(r)
	default:
		return Index{}, cerr.New(cerr.Policy, "repometa.parse", "", "unrecognized repository metadata format")
	}
}

func parseJSON(r io.Reader) (Index, error) {
	var doc jsonIndex
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return Index{}, cerr.Wrap(cerr.Policy, "repometa.parse_json", "", "decode index", err)
	}
	idx := Index{Name: doc.Name, Version: doc.Version}
	for _, p := range doc.Packages {
		idx.Packages = append(idx.Packages, PackageMetadata{
			Name:        p.Name,
			Version:     p.Version,
			Arch:        p.Arch,
			DownloadURL: p.DownloadURL,
			Checksum:    strings.ToLower(p.Checksum),
			Size:        p.Size,
			Depends:     p.Depends,
		})
	}
	return idx, nil
}

// parseArchDB reads a pacman-style db.tar archive: one directory per
// package ("name-version/"), each holding a "desc" file of
// "%FIELD%\nvalue\n\n" stanzas.
func parseArchDB(r io.Reader) (Index, error) {
	tr := tar.NewReader(r)
	var idx Index
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Index{}, cerr.Wrap(cerr.Policy, "repometa.parse_archdb", "", "read tar entry", err)
		}
		if !strings.HasSuffix(hdr.Name, "/desc") {
			continue
		}
		body, err := io.ReadAll(tr)
		if err != nil {
			return Index{}, cerr.Wrap(cerr.Policy, "repometa.parse_archdb", hdr.Name, "read desc", err)
		}
		pkg, ok := parseArchDesc(string(body))
		if ok {
			idx.Packages = append(idx.Packages, pkg)
		}
	}
	return idx, nil
}

func parseArchDesc(body string) (PackageMetadata, bool) {
	lines := strings.Split(body, "\n")
	var pkg PackageMetadata
	for i := 0; i < len(lines); i++ {
		field := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(field, "%") || !strings.HasSuffix(field, "%") {
			continue
		}
		key := strings.Trim(field, "%")
		i++
		var values []string
		for i < len(lines) && strings.TrimSpace(lines[i]) != "" {
			values = append(values, lines[i])
			i++
		}
		value := strings.Join(values, "\n")
		switch key {
		case "NAME":
			pkg.Name = value
		case "VERSION":
			pkg.Version = value
		case "ARCH":
			pkg.Arch = value
		case "FILENAME":
			pkg.DownloadURL = value
		case "SHA256SUM":
			pkg.Checksum = strings.ToLower(value)
		case "CSIZE":
			pkg.Size = parseInt64(value)
		case "DEPENDS":
			pkg.Depends = values
		}
	}
	return pkg, pkg.Name != ""
}

// parseDebianPackages reads RFC822-style control stanzas separated by
// blank lines, transparently handling a gzip-compressed stream.
func parseDebianPackages(r io.Reader) (Index, error) {
	buffered := bufio.NewReader(r)
	magic, err := buffered.Peek(2)
	if err == nil && len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, gzErr := gzip.NewReader(buffered)
		if gzErr != nil {
			return Index{}, cerr.Wrap(cerr.Policy, "repometa.parse_deb", "", "open gzip stream", gzErr)
		}
		defer gz.Close()
		return scanDebianStanzas(gz)
	}
	return scanDebianStanzas(buffered)
}

func scanDebianStanzas(r io.Reader) (Index, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var idx Index
	var cur map[string]string
	flush := func() {
		if cur == nil || cur["Package"] == "" {
			return
		}
		idx.Packages = append(idx.Packages, PackageMetadata{
			Name:        cur["Package"],
			Version:     cur["Version"],
			Arch:        cur["Architecture"],
			DownloadURL: cur["Filename"],
			Checksum:    strings.ToLower(cur["SHA256"]),
			Size:        parseInt64(cur["Size"]),
			Depends:     splitDebianDepends(cur["Depends"]),
		})
	}

	var lastKey string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			flush()
			cur = nil
			continue
		}
		if cur == nil {
			cur = map[string]string{}
		}
		if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
			if lastKey != "" {
				cur[lastKey] += "\n" + strings.TrimSpace(line)
			}
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		cur[key] = strings.TrimSpace(value)
		lastKey = key
	}
	flush()
	if err := scanner.Err(); err != nil {
		return Index{}, cerr.Wrap(cerr.Policy, "repometa.parse_deb", "", "scan control stanzas", err)
	}
	return idx, nil
}

func splitDebianDepends(field string) []string {
	if field == "" {
		return nil
	}
	var deps []string
	for _, part := range strings.Split(field, ",") {
		name, _, _ := strings.Cut(strings.TrimSpace(part), " ")
		if name != "" {
			deps = append(deps, name)
		}
	}
	return deps
}

// repomdXML is the top-level shape of Fedora's repodata/repomd.xml; it
// only names the location of the "primary" data file, which is where the
// actual package list lives. Callers resolve and fetch that location
// separately; ParsePrimaryXML decodes its package list.
type repomdXML struct {
	Data []struct {
		Type     string `xml:"type,attr"`
		Location struct {
			Href string `xml:"href,attr"`
		} `xml:"location"`
		Checksum string `xml:"checksum"`
	} `xml:"data"`
}

// PrimaryLocation returns the href of the "primary" metadata file named
// by a repomd.xml document, and its trusted checksum.
func PrimaryLocation(r io.Reader) (href, checksum string, err error) {
	var doc repomdXML
	if decErr := xml.NewDecoder(r).Decode(&doc); decErr != nil {
		return "", "", cerr.Wrap(cerr.Policy, "repometa.parse_repomd", "", "decode repomd.xml", decErr)
	}
	for _, d := range doc.Data {
		if d.Type == "primary" {
			return d.Location.Href, strings.ToLower(d.Checksum), nil
		}
	}
	return "", "", cerr.New(cerr.Missing, "repometa.parse_repomd", "", "no primary data entry")
}

// parseFedoraRepomd is a convenience wrapper used by DetectFormat-driven
// dispatch; it only extracts the primary-file pointer, since the actual
// package list requires a second fetch the caller must perform.
func parseFedoraRepomd(r io.Reader) (Index, error) {
	href, checksum, err := PrimaryLocation(r)
	if err != nil {
		return Index{}, err
	}
	return Index{Packages: []PackageMetadata{{DownloadURL: href, Checksum: checksum}}}, nil
}

// primaryXML is Fedora's primary.xml package list shape, trimmed to the
// fields Conary needs.
type primaryXML struct {
	Packages []struct {
		Name    string `xml:"name"`
		Arch    string `xml:"arch"`
		Version struct {
			Ver string `xml:"ver,attr"`
		} `xml:"version"`
		Checksum string `xml:"checksum"`
		Location struct {
			Href string `xml:"href,attr"`
		} `xml:"location"`
		Size struct {
			Package int64 `xml:"package,attr"`
		} `xml:"size"`
	} `xml:"package"`
}

// ParsePrimaryXML decodes a Fedora primary.xml package list.
func ParsePrimaryXML(r io.Reader) (Index, error) {
	var doc primaryXML
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return Index{}, cerr.Wrap(cerr.Policy, "repometa.parse_primary", "", "decode primary.xml", err)
	}
	var idx Index
	for _, p := range doc.Packages {
		idx.Packages = append(idx.Packages, PackageMetadata{
			Name:        p.Name,
			Version:     p.Version.Ver,
			Arch:        p.Arch,
			DownloadURL: p.Location.Href,
			Checksum:    strings.ToLower(p.Checksum),
			Size:        p.Size.Package,
		})
	}
	return idx, nil
}

func parseInt64(s string) int64 {
	var n int64
	for _, c := range s {
		if c < '0' || c > '9' {
			return n
		}
		n = n*10 + int64(c-'0')
	}
	return n
}

// RebaseContentURL rewrites each package's DownloadURL from metadataBaseURL
// to contentURL when the repository defines content_url (spec §6.5).
func RebaseContentURL(pkgs []PackageMetadata, metadataBaseURL, contentURL string) []PackageMetadata {
	if contentURL == "" {
		return pkgs
	}
	out := make([]PackageMetadata, len(pkgs))
	for i, p := range pkgs {
		if strings.HasPrefix(p.DownloadURL, metadataBaseURL) {
			p.DownloadURL = contentURL + strings.TrimPrefix(p.DownloadURL, metadataBaseURL)
		}
		out[i] = p
	}
	return out
}

// VerifyMirrorContent checksums data against the trusted metadata checksum
// (never the mirror's own claim) and rejects on mismatch — the supplemented
// rejection path for content_url rebasing (spec §6.5).
func VerifyMirrorContent(data []byte, trustedChecksum string) error {
	if trustedChecksum == "" {
		return cerr.New(cerr.Policy, "repometa.verify_mirror", "", "no trusted checksum to verify against")
	}
	sum := sha256.Sum256(data)
	got := hex.EncodeToString(sum[:])
	if !strings.EqualFold(got, trustedChecksum) {
		return cerr.New(cerr.Integrity, "repometa.verify_mirror", "", "mirror content does not match trusted metadata checksum")
	}
	return nil
}
