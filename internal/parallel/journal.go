package parallel

import "sync"

// Entry is one collective as issued by one rank.
type Entry struct {
	Group string
	Verb  string
	Dim   int
	Rows  int
	Cols  int
}

// Journal records the collective sequence of every rank.
type Journal struct {
	mu     sync.Mutex
	byRank map[int][]Entry
}

func NewJournal() *Journal {
	return &Journal{byRank: make(map[int][]Entry)}
}

func (j *Journal) record(rank int, e Entry) {
	j.mu.Lock()
	j.byRank[rank] = append(j.byRank[rank], e)
	j.mu.Unlock()
}

// Entries returns a copy of the sequence issued by rank.
func (j *Journal) Entries(rank int) []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]Entry(nil), j.byRank[rank]...)
}

// Len returns the number of collectives issued by rank.
func (j *Journal) Len(rank int) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.byRank[rank])
}
