package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openefi/megalink/internal/ini"
	"github.com/openefi/megalink/internal/proto"
)

// CatalogEntry is one known definition file and the signature it
// declares.
type CatalogEntry struct {
	Path      string
	Signature string
}

// Catalog indexes a directory of definition files by signature, so a
// mismatched handshake can point at definitions that fit the ECU
// better. Built once at startup; immutable afterwards.
type Catalog struct {
	entries []CatalogEntry
}

// ScanCatalog parses every .ini file under dir. One level only, vendor
// catalogs are flat. Files that fail to parse are skipped with a
// warning rather than sinking the whole scan.
func ScanCatalog(dir string, log zerolog.Logger) (*Catalog, error) {
	names, err := filepath.Glob(filepath.Join(dir, "*.ini"))
	if err != nil {
		return nil, fmt.Errorf("scan catalog: %w", err)
	}
	if _, serr := os.Stat(dir); serr != nil {
		return nil, fmt.Errorf("scan catalog: %w", serr)
	}
	cat := &Catalog{}
	for _, name := range names {
		def, err := ini.Load(name)
		if err != nil {
			log.Warn().Str("file", name).Err(err).Msg("skipping unparsable definition")
			continue
		}
		cat.entries = append(cat.entries, CatalogEntry{Path: name, Signature: def.Signature})
	}
	sort.Slice(cat.entries, func(i, j int) bool { return cat.entries[i].Path < cat.entries[j].Path })
	log.Info().Str("dir", dir).Int("definitions", len(cat.entries)).Msg("catalog scanned")
	return cat, nil
}

// Len reports how many definitions the catalog holds.
func (c *Catalog) Len() int { return len(c.entries) }

// Entries returns the indexed definitions in path order.
func (c *Catalog) Entries() []CatalogEntry {
	out := make([]CatalogEntry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Candidates ranks catalog definitions against an ECU-reported
// signature: exact matches first, then partial, dropping mismatches and
// the signature the session already has loaded.
func (c *Catalog) Candidates(got, loaded string) []CatalogEntry {
	type ranked struct {
		entry CatalogEntry
		kind  proto.MatchKind
	}
	var hits []ranked
	for _, e := range c.entries {
		if strings.EqualFold(e.Signature, loaded) {
			continue
		}
		kind := proto.ClassifySignature(e.Signature, got)
		if kind == proto.MatchMismatch {
			continue
		}
		hits = append(hits, ranked{entry: e, kind: kind})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].kind < hits[j].kind })
	out := make([]CatalogEntry, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.entry)
	}
	return out
}
