package uniqueid

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MessageID derives the id of a mesh message from its source peer, the time the
// source emitted it (milliseconds) and a per-source sequence number.
//
// A retransmission of the same message carries the same (source, emittedAt, seq)
// and therefore the same id, so receivers can deduplicate it. Two distinct
// messages emitted by one source within the same millisecond differ in seq.
//
// Format: "<source>-<emittedAt>-<seq>"
func MessageID(source string, emittedAt int64, seq uint64) string {
	return source + "-" + strconv.FormatInt(emittedAt, 10) + "-" + strconv.FormatUint(seq, 10)
}

// ParsedMessageID holds the components of a message id
type ParsedMessageID struct {
	Source    string
	EmittedAt int64
	Seq       uint64
}

// ParseMessageID splits an id produced by MessageID. The source may itself contain
// dashes; the last two fields are always the timestamp and the sequence number.
func ParseMessageID(id string) (*ParsedMessageID, error) {
	seqSep := strings.LastIndexByte(id, '-')
	if seqSep <= 0 {
		return nil, fmt.Errorf("invalid message ID %q: missing sequence", id)
	}
	tsSep := strings.LastIndexByte(id[:seqSep], '-')
	if tsSep <= 0 {
		return nil, fmt.Errorf("invalid message ID %q: missing timestamp", id)
	}

	seq, err := strconv.ParseUint(id[seqSep+1:], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid message ID %q: bad sequence: %w", id, err)
	}
	emittedAt, err := strconv.ParseInt(id[tsSep+1:seqSep], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid message ID %q: bad timestamp: %w", id, err)
	}

	return &ParsedMessageID{
		Source:    id[:tsSep],
		EmittedAt: emittedAt,
		Seq:       seq,
	}, nil
}

// Sequencer hands out increasing sequence numbers per source. A source's counter
// lives until Prune drops it for being idle.
type Sequencer struct {
	mu      sync.Mutex
	sources map[string]*sourceSeq
}

type sourceSeq struct {
	next     uint64
	lastUsed time.Time
}

// NewSequencer creates an empty Sequencer
func NewSequencer() *Sequencer {
	return &Sequencer{sources: make(map[string]*sourceSeq)}
}

// Next returns the next sequence number of source, starting at 0, and records now
// as the source's last use
func (s *Sequencer) Next(source string, now time.Time) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[source]
	if !ok {
		src = &sourceSeq{}
		s.sources[source] = src
	}
	seq := src.next
	src.next++
	src.lastUsed = now
	return seq
}

// Prune drops the counters of sources not used since idleSince and returns how
// many were dropped. A pruned source restarts at 0, which cannot collide with an
// earlier id as long as idleSince is at least one millisecond in the past.
func (s *Sequencer) Prune(idleSince time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	pruned := 0
	for source, src := range s.sources {
		if src.lastUsed.Before(idleSince) {
			delete(s.sources, source)
			pruned++
		}
	}
	return pruned
}

// Len returns the number of sources with a counter
func (s *Sequencer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sources)
}
