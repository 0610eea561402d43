package grammar

import (
	"fmt"
	"io"
	"os"

	"github.com/BurntSushi/toml"
)

// Seed is the TOML document describing the root rule set:
//
//	[[rules]]
//	name = "assign"
//	pattern = [{kind = "keyword", value = "let"}, {kind = "identifier", value = "name"}]
//	[rules.production]
//	kind = "sequence"
//	items = [{kind = "reference", value = "expr"}]
type Seed struct {
	Rules []Rule `toml:"rules"`
}

// LoadSeed reads a seed file and returns it as the root snapshot.
// A missing file yields an empty root snapshot.
func LoadSeed(path string) (Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{ID: RootID}, nil
		}
		return Snapshot{}, err
	}
	defer f.Close()
	return DecodeSeed(f)
}

// DecodeSeed parses seed TOML and checks every rule.
func DecodeSeed(r io.Reader) (Snapshot, error) {
	var seed Seed
	md, err := toml.NewDecoder(r).Decode(&seed)
	if err != nil {
		return Snapshot{}, fmt.Errorf("decode seed: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Snapshot{}, fmt.Errorf("decode seed: unknown key %q", undecoded[0].String())
	}

	snap, err := NewSnapshot(RootID, seed.Rules)
	if err != nil {
		return Snapshot{}, fmt.Errorf("seed: %w", err)
	}
	if err := snap.Check(); err != nil {
		return Snapshot{}, fmt.Errorf("seed: %w", err)
	}
	return snap, nil
}

// WriteSeed encodes the rules of s as seed TOML.
func WriteSeed(w io.Writer, s Snapshot) error {
	return toml.NewEncoder(w).Encode(Seed{Rules: s.Rules})
}
