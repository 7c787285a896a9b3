package data

import (
	"encoding/gob"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Special tokens shared by every vocabulary.
const (
	UnkToken = "<unk>"
	PadToken = "<blank>"
	BosToken = "<s>"
	EosToken = "</s>"
)

// Vocab maps tokens to contiguous ids. Index 0 is always <unk> and
// index 1 is always <blank>.
type Vocab struct {
	ItoS []string
	stoi map[string]int
}

// NewVocab builds a vocabulary from tokens, prepending the specials.
// Duplicate tokens keep their first position.
func NewVocab(tokens []string) *Vocab {
	v := &Vocab{stoi: make(map[string]int)}
	for _, tok := range []string{UnkToken, PadToken, BosToken, EosToken} {
		v.add(tok)
	}
	for _, tok := range tokens {
		v.add(tok)
	}
	return v
}

func (v *Vocab) add(tok string) {
	if _, ok := v.stoi[tok]; ok {
		return
	}
	v.stoi[tok] = len(v.ItoS)
	v.ItoS = append(v.ItoS, tok)
}

// Lookup returns the id for tok, or the <unk> id if absent.
func (v *Vocab) Lookup(tok string) int {
	if id, ok := v.stoi[tok]; ok {
		return id
	}
	return v.stoi[UnkToken]
}

// Word returns the token for id.
func (v *Vocab) Word(id int) string {
	if id < 0 || id >= len(v.ItoS) {
		return UnkToken
	}
	return v.ItoS[id]
}

func (v *Vocab) Len() int { return len(v.ItoS) }

// PadID returns the id of the padding token.
func (v *Vocab) PadID() int { return v.stoi[PadToken] }

// rebuild restores the stoi index after gob decoding.
func (v *Vocab) rebuild() {
	v.stoi = make(map[string]int, len(v.ItoS))
	for i, tok := range v.ItoS {
		v.stoi[tok] = i
	}
}

// Field couples a field name with its processing descriptor. Fields
// without a vocabulary (raw feature streams) have UseVocab false.
type Field struct {
	Name     string
	UseVocab bool
	Vocab    *Vocab
}

// FieldSet maps field names to fields. It is shared read-only by all
// shards of a run; the only post-load mutation is the one-time binding
// of the NLI label vocabulary in LoadFieldsFromVocab.
type FieldSet map[string]*Field

// vocabFile is the on-disk form of <prefix>.vocab.pt: field name to
// token list, vocabulary-less fields omitted.
type vocabFile struct {
	Fields map[string][]string
}

// SaveVocab writes the vocabularies of fields to path. Fields without
// a vocabulary are stripped so the artifact stays portable.
func SaveVocab(fields FieldSet, path string) error {
	vf := vocabFile{Fields: make(map[string][]string)}
	for name, f := range fields {
		if f.UseVocab && f.Vocab != nil {
			vf.Fields[name] = f.Vocab.ItoS
		}
	}
	out, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "save vocab")
	}
	defer out.Close()
	if err := gob.NewEncoder(out).Encode(&vf); err != nil {
		return errors.Wrapf(err, "encode vocab %s", path)
	}
	return nil
}

// LoadFieldsFromVocab reads <prefix>.vocab.pt and reconstructs the
// FieldSet for dataType. The NLI label field reuses the target
// vocabulary: fields["per"].Vocab is bound to fields["tgt"].Vocab.
func LoadFieldsFromVocab(path, dataType string) (FieldSet, error) {
	in, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open vocab file %s", path)
	}
	defer in.Close()

	var vf vocabFile
	if err := gob.NewDecoder(in).Decode(&vf); err != nil {
		return nil, errors.Wrapf(err, "decode vocab file %s", path)
	}
	return FieldsFromItoS(vf.Fields, dataType)
}

// FieldsFromItoS builds a FieldSet from raw per-field token lists,
// applying the per/tgt vocabulary binding invariant.
func FieldsFromItoS(raw map[string][]string, dataType string) (FieldSet, error) {
	if _, ok := raw["tgt"]; !ok {
		return nil, errors.New("vocab file has no tgt field")
	}
	if dataType == "text" {
		if _, ok := raw["src"]; !ok {
			return nil, errors.New("text vocab file has no src field")
		}
	}

	fields := make(FieldSet, len(raw))
	for name, itos := range raw {
		v := &Vocab{ItoS: append([]string(nil), itos...)}
		v.rebuild()
		fields[name] = &Field{Name: name, UseVocab: true, Vocab: v}
	}
	if _, ok := fields["per"]; !ok {
		fields["per"] = &Field{Name: "per", UseVocab: true}
	}
	// The NLI label vocabulary is the target vocabulary by contract.
	fields["per"].Vocab = fields["tgt"].Vocab
	return fields, nil
}

// FilterFieldsByExample drops fields the example does not carry, the
// way the original preprocessing run declared them.
func FilterFieldsByExample(fields FieldSet, ex *Example) FieldSet {
	kept := make(FieldSet)
	for name, f := range fields {
		if ex.HasField(name) {
			kept[name] = f
		}
	}
	return kept
}

// CollectFeatures returns the ordered feature field names for side
// ("src" or "tgt"): side_feat_0, side_feat_1, ...
func CollectFeatures(fields FieldSet, side string) []string {
	var feats []string
	for name := range fields {
		if strings.HasPrefix(name, side+"_feat_") {
			feats = append(feats, name)
		}
	}
	sort.Strings(feats)
	return feats
}

// VocabSummary formats the vocabulary sizes the way the training CLI
// reports them at startup.
func VocabSummary(fields FieldSet, dataType string) string {
	if dataType == "text" {
		return fmt.Sprintf(" * vocabulary size. source = %d; target = %d",
			fields["src"].Vocab.Len(), fields["tgt"].Vocab.Len())
	}
	return fmt.Sprintf(" * vocabulary size. target = %d", fields["tgt"].Vocab.Len())
}
