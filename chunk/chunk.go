// Package chunk partitions a byte source into ordered, offset-tagged byte ranges.
// Splitting never touches the data; bytes are only read when a chunk is about to be sent.
package chunk

import (
	"fmt"
	"io"
)

// Chunk describes a contiguous byte range of a file.
type Chunk struct {
	Index  int
	Offset int64
	Size   int64
}

// End returns the offset right after the last byte of the chunk.
func (c Chunk) End() int64 {
	return c.Offset + c.Size
}

// Read materializes the chunk's bytes from r.
func (c Chunk) Read(r io.ReaderAt) ([]byte, error) {
	data := make([]byte, c.Size)
	if c.Size == 0 {
		return data, nil
	}

	n, err := io.ReadFull(io.NewSectionReader(r, c.Offset, c.Size), data)
	if err != nil {
		return nil, fmt.Errorf("read chunk %d (offset %d, got %d of %d bytes): %w", c.Index+1, c.Offset, n, c.Size, err)
	}

	return data, nil
}

// Count returns the number of chunks Split produces for the given sizes.
// An empty file still yields one (empty) chunk.
func Count(fileSize, maxChunkSize int64) int {
	if fileSize <= 0 || maxChunkSize <= 0 {
		return 1
	}
	return int((fileSize-1)/maxChunkSize) + 1
}

// Split partitions [0, fileSize) into chunks of maxChunkSize bytes; the last chunk may be shorter.
func Split(fileSize, maxChunkSize int64) ([]Chunk, error) {
	if maxChunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", maxChunkSize)
	}
	if fileSize < 0 {
		return nil, fmt.Errorf("file size must not be negative, got %d", fileSize)
	}

	if fileSize == 0 {
		return []Chunk{{Index: 0, Offset: 0, Size: 0}}, nil
	}

	count := Count(fileSize, maxChunkSize)
	chunks := make([]Chunk, 0, count)
	for i := 0; i < count; i++ {
		offset := int64(i) * maxChunkSize
		size := maxChunkSize
		if size > fileSize-offset {
			size = fileSize - offset
		}
		chunks = append(chunks, Chunk{Index: i, Offset: offset, Size: size})
	}

	return chunks, nil
}
