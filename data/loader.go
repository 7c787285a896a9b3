package data

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/pkg/errors"
)

// ErrMissingData is returned on the first load attempt when no shard
// files exist for the requested corpus role.
var ErrMissingData = errors.New("no dataset shard files found")

var shardIndexRe = regexp.MustCompile(`\.([0-9]+)\.pt$`)

// ShardSequence is a lazy, deterministically-ordered sequence of
// dataset shards for one corpus role. Discovery happens at
// construction; each file is read only when Next reaches it.
type ShardSequence struct {
	prefix string
	role   string
	paths  []string
	pos    int
	peeked *Shard
}

// NewShardSequence resolves the shard files for role ("train" or
// "valid") under prefix. Numbered files <prefix>.<role>.<N>.pt are
// ordered by ascending numeric index; with none present the singleton
// <prefix>.<role>.pt is used. Missing files only surface at Next, so
// enumeration stays cheap.
func NewShardSequence(prefix, role string) (*ShardSequence, error) {
	if role != "train" && role != "valid" {
		return nil, errors.Errorf("unknown corpus role %q", role)
	}
	pattern := fmt.Sprintf("%s.%s.[0-9]*.pt", prefix, role)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, errors.Wrapf(err, "glob %s", pattern)
	}
	if len(matches) == 0 {
		matches = []string{fmt.Sprintf("%s.%s.pt", prefix, role)}
	} else {
		sort.Slice(matches, func(i, j int) bool {
			return shardIndex(matches[i]) < shardIndex(matches[j])
		})
	}
	return &ShardSequence{prefix: prefix, role: role, paths: matches}, nil
}

func shardIndex(path string) int {
	m := shardIndexRe.FindStringSubmatch(path)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

// Paths returns the resolved shard file paths in load order.
func (ss *ShardSequence) Paths() []string { return ss.paths }

// Next loads and returns the next shard. It returns ErrMissingData if
// the role has no shard files at all, and io.EOF once every shard has
// been consumed.
func (ss *ShardSequence) Next() (*Shard, error) {
	if ss.peeked != nil {
		shard := ss.peeked
		ss.peeked = nil
		ss.pos++
		return shard, nil
	}
	if ss.pos >= len(ss.paths) {
		return nil, io.EOF
	}
	path := ss.paths[ss.pos]
	shard, err := ss.load(path)
	if err != nil {
		return nil, err
	}
	ss.pos++
	return shard, nil
}

func (ss *ShardSequence) load(path string) (*Shard, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, errors.Wrapf(ErrMissingData, "role %s under %s", ss.role, ss.prefix)
	}
	shard, err := LoadShard(path)
	if err != nil {
		return nil, err
	}
	log.Printf("Loading %s dataset from %s, number of examples: %d",
		ss.role, path, shard.Len())
	return shard, nil
}

// Peek loads the first unconsumed shard without advancing; the next
// Next call hands the same shard over without re-reading the file.
// Callers use it to learn the corpus data_type before iteration.
func (ss *ShardSequence) Peek() (*Shard, error) {
	if ss.peeked != nil {
		return ss.peeked, nil
	}
	if ss.pos >= len(ss.paths) {
		return nil, io.EOF
	}
	shard, err := ss.load(ss.paths[ss.pos])
	if err != nil {
		return nil, err
	}
	ss.peeked = shard
	return shard, nil
}

// Reset rewinds the sequence so the next epoch re-reads from shard 0.
func (ss *ShardSequence) Reset() {
	ss.pos = 0
	ss.peeked = nil
}
