package session

import "time"

// chunkStats collects the transfer time of the delivered chunks of one session.
type chunkStats struct {
	sum            time.Duration
	finishedChunks int
}

func (s *chunkStats) update(d time.Duration) {
	s.sum += d
	s.finishedChunks++
}

// average returns the mean transfer time of the finished chunks.
func (s *chunkStats) average() time.Duration {
	if s.finishedChunks == 0 {
		return 0
	}
	return s.sum / time.Duration(s.finishedChunks)
}

func (s *chunkStats) count() int {
	return s.finishedChunks
}

func (s *chunkStats) total() time.Duration {
	return s.sum
}
