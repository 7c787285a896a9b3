package data

import (
	"encoding/gob"
	"os"

	"github.com/pkg/errors"
)

// Example is one aligned record of a parallel corpus: a source
// sequence, a target sequence, the NLI label sequence (per) and
// optional token-level feature streams keyed by field name.
type Example struct {
	Src   []string
	Tgt   []string
	Per   []string
	Feats map[string][]string
}

// HasField reports whether the example carries data for the field.
func (ex *Example) HasField(name string) bool {
	switch name {
	case "src":
		return ex.Src != nil
	case "tgt":
		return ex.Tgt != nil
	case "per":
		return ex.Per != nil
	default:
		_, ok := ex.Feats[name]
		return ok
	}
}

// MaxLen returns max(len(tgt), len(src)).
func (ex *Example) MaxLen() int {
	if len(ex.Tgt) > len(ex.Src) {
		return len(ex.Tgt)
	}
	return len(ex.Src)
}

// Shard is one file-backed partition of a corpus role. It is immutable
// after load and owned exclusively by the iterator consuming it.
type Shard struct {
	DataType string // "text", "img" or "audio"
	Examples []Example

	// fields is bound by the multi-shard iterator after load; it is
	// cleared before save so the artifact has no vocabulary state.
	fields FieldSet
}

// Fields returns the field set bound onto the shard, or nil before the
// iterator binds one.
func (s *Shard) Fields() FieldSet { return s.fields }

// BindFields attaches the run's shared field set, replacing any stale
// reference left over from serialization.
func (s *Shard) BindFields(fields FieldSet) {
	s.fields = fields
}

func (s *Shard) Len() int { return len(s.Examples) }

// shardFile is the gob wire form: fields are never serialized.
type shardFile struct {
	DataType string
	Examples []Example
}

// SaveShard writes the shard to path. Bound fields are stripped.
func SaveShard(s *Shard, path string) error {
	out, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "save shard")
	}
	defer out.Close()
	sf := shardFile{DataType: s.DataType, Examples: s.Examples}
	if err := gob.NewEncoder(out).Encode(&sf); err != nil {
		return errors.Wrapf(err, "encode shard %s", path)
	}
	return nil
}

// LoadShard reads one shard file into memory.
func LoadShard(path string) (*Shard, error) {
	in, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open shard %s", path)
	}
	defer in.Close()
	var sf shardFile
	if err := gob.NewDecoder(in).Decode(&sf); err != nil {
		return nil, errors.Wrapf(err, "decode shard %s", path)
	}
	return &Shard{DataType: sf.DataType, Examples: sf.Examples}, nil
}
