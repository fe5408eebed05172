package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

const (
	walFilePerm       = 0600
	walDirPerm        = 0700
	maxRecordSize     = 10 * 1024 * 1024 // 10MB max record size
	defaultBufSize    = 64 * 1024        // 64KB buffer
	defaultMaxSegSize = 64 * 1024 * 1024 // 64MB default segment size

	defaultPoolBufSize = 4096
)

// Byte pool for the decoder. Buffers are reused for reading record
// payloads, then copied into the returned Record.
var decoderPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, 0, defaultPoolBufSize)
		return &buf
	},
}

// FileWAL is the file-backed decision log. Records append to rotated
// segment files named wal-%05d; a per-round index remembers which
// segment holds each round's decision record.
type FileWAL struct {
	mu   sync.Mutex
	dir  string
	file *os.File
	buf  *bufio.Writer
	enc  *encoder

	group        *Group
	started      bool
	segmentIndex int   // current segment index
	segmentSize  int64 // current segment size in bytes
	maxSegSize   int64 // maximum segment size before rotation

	// Maps round -> segment index holding its decision record.
	decisionIndex map[uint64]int
}

// NewFileWAL creates a file-backed decision log in dir.
func NewFileWAL(dir string) (*FileWAL, error) {
	return NewFileWALWithOptions(dir, defaultMaxSegSize)
}

// NewFileWALWithOptions creates a file-backed decision log with a
// custom max segment size.
func NewFileWALWithOptions(dir string, maxSegSize int64) (*FileWAL, error) {
	if err := os.MkdirAll(dir, walDirPerm); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	if maxSegSize <= 0 {
		maxSegSize = defaultMaxSegSize
	}

	return &FileWAL{
		dir:        dir,
		maxSegSize: maxSegSize,
		group: &Group{
			Dir:     dir,
			Prefix:  "wal",
			MaxSize: maxSegSize,
		},
	}, nil
}

// Start opens the log for appending, scanning existing segments to
// rebuild the decision index.
func (w *FileWAL) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return nil
	}

	w.decisionIndex = make(map[uint64]int)

	w.segmentIndex = w.findHighestSegmentIndex()
	w.group.MinIndex = w.findLowestSegmentIndex()
	w.group.MaxIndex = w.segmentIndex

	if err := w.buildIndex(); err != nil {
		return fmt.Errorf("failed to build WAL index: %w", err)
	}

	if err := w.openSegment(w.segmentIndex); err != nil {
		return err
	}

	w.started = true
	return nil
}

// buildIndex scans all segments and indexes decision records by round.
func (w *FileWAL) buildIndex() error {
	for idx := w.group.MinIndex; idx <= w.group.MaxIndex; idx++ {
		path := w.segmentPath(idx)
		file, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}

		dec := newDecoder(bufio.NewReader(file))
		for {
			rec, err := dec.Decode()
			if err == io.EOF {
				break
			}
			if err != nil {
				// torn tail after a crash, stop indexing this segment
				break
			}

			if rec.Type == RecordTypeDecision {
				w.decisionIndex[rec.Round] = idx
			}
		}
		file.Close()
	}
	return nil
}

// findHighestSegmentIndex finds the highest segment index in the WAL
// directory, or 0 when empty.
func (w *FileWAL) findHighestSegmentIndex() int {
	highest := -1
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0
	}

	for _, entry := range entries {
		var idx int
		if n, _ := fmt.Sscanf(entry.Name(), "wal-%05d", &idx); n == 1 {
			if idx > highest {
				highest = idx
			}
		}
	}

	if highest < 0 {
		return 0
	}
	return highest
}

// findLowestSegmentIndex finds the lowest segment index in the WAL
// directory, or 0 when empty.
func (w *FileWAL) findLowestSegmentIndex() int {
	lowest := -1
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0
	}

	for _, entry := range entries {
		var idx int
		if n, _ := fmt.Sscanf(entry.Name(), "wal-%05d", &idx); n == 1 {
			if lowest < 0 || idx < lowest {
				lowest = idx
			}
		}
	}

	if lowest < 0 {
		return 0
	}
	return lowest
}

// segmentPath returns the file path for a segment index.
func (w *FileWAL) segmentPath(index int) string {
	return filepath.Join(w.dir, fmt.Sprintf("wal-%05d", index))
}

// openSegment opens a segment file for appending.
func (w *FileWAL) openSegment(index int) error {
	path := w.segmentPath(index)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, walFilePerm)
	if err != nil {
		return fmt.Errorf("failed to open WAL segment %d: %w", index, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat WAL segment: %w", err)
	}

	w.file = file
	w.buf = bufio.NewWriterSize(file, defaultBufSize)
	w.enc = newEncoder(w.buf)
	w.segmentSize = info.Size()

	return nil
}

// Stop flushes, syncs and closes the log.
func (w *FileWAL) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return nil
	}

	w.started = false

	if err := w.buf.Flush(); err != nil {
		return err
	}

	if err := w.file.Sync(); err != nil {
		return err
	}

	return w.file.Close()
}

// Write appends a record (buffered).
func (w *FileWAL) Write(rec *Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return ErrClosed
	}

	return w.write(rec)
}

// WriteSync appends a record and syncs it to disk before returning.
func (w *FileWAL) WriteSync(rec *Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return ErrClosed
	}

	if err := w.write(rec); err != nil {
		return err
	}
	return w.flushAndSync()
}

// write appends one record, rotating first when the current segment is
// full. Caller must hold w.mu.
func (w *FileWAL) write(rec *Record) error {
	if w.segmentSize >= w.maxSegSize {
		if err := w.rotate(); err != nil {
			return fmt.Errorf("failed to rotate WAL: %w", err)
		}
	}

	n, err := w.enc.Encode(rec)
	if err != nil {
		return err
	}
	w.segmentSize += int64(n)

	if rec.Type == RecordTypeDecision {
		w.decisionIndex[rec.Round] = w.segmentIndex
	}

	return nil
}

// rotate closes the current segment and opens the next one.
func (w *FileWAL) rotate() error {
	if err := w.flushAndSync(); err != nil {
		return err
	}

	if err := w.file.Close(); err != nil {
		return err
	}

	w.segmentIndex++
	w.group.MaxIndex = w.segmentIndex

	return w.openSegment(w.segmentIndex)
}

// FlushAndSync flushes the buffer and syncs to disk.
// Safe for concurrent use.
func (w *FileWAL) FlushAndSync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return ErrClosed
	}

	return w.flushAndSync()
}

// flushAndSync is the internal version that assumes the lock is held.
func (w *FileWAL) flushAndSync() error {
	if err := w.buf.Flush(); err != nil {
		return err
	}
	return w.file.Sync()
}

// SearchForDecision returns a Reader positioned after the decision
// record of the given round. The decision index makes the common case a
// single-segment scan.
func (w *FileWAL) SearchForDecision(round uint64) (Reader, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return nil, false, ErrClosed
	}

	if err := w.buf.Flush(); err != nil {
		return nil, false, err
	}

	if segIdx, ok := w.decisionIndex[round]; ok {
		reader, found, err := w.searchSegmentForDecision(segIdx, round)
		if err != nil {
			return nil, false, err
		}
		if found {
			return reader, true, nil
		}
		// index was stale, fall through to full scan
	}

	for idx := w.group.MinIndex; idx <= w.group.MaxIndex; idx++ {
		reader, found, err := w.searchSegmentForDecision(idx, round)
		if err != nil {
			return nil, false, err
		}
		if found {
			w.decisionIndex[round] = idx
			return reader, true, nil
		}
	}

	return nil, false, nil
}

// searchSegmentForDecision scans a single segment for a round's
// decision record.
func (w *FileWAL) searchSegmentForDecision(segmentIndex int, round uint64) (Reader, bool, error) {
	path := w.segmentPath(segmentIndex)
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}

	reader := &fileReader{
		file: file,
		dec:  newDecoder(bufio.NewReader(file)),
	}

	for {
		rec, err := reader.Read()
		if err == io.EOF {
			reader.Close()
			return nil, false, nil
		}
		if err != nil {
			reader.Close()
			return nil, false, err
		}

		if rec.Type == RecordTypeDecision && rec.Round == round {
			return reader, true, nil
		}
	}
}

// Group returns the segment group.
func (w *FileWAL) Group() *Group {
	return w.group
}

// Checkpoint deletes segments whose records all belong to rounds at or
// below checkpointRound. Call it only after those rounds' decisions
// have been archived elsewhere.
func (w *FileWAL) Checkpoint(checkpointRound uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return ErrClosed
	}

	segmentsToDelete := []int{}

	for idx := w.group.MinIndex; idx < w.group.MaxIndex; idx++ { // never delete current segment
		canDelete, err := w.canDeleteSegment(idx, checkpointRound)
		if err != nil || !canDelete {
			// stop at the first segment that must stay; an unreadable
			// segment stays too, deleting around it would leave holes
			break
		}
		segmentsToDelete = append(segmentsToDelete, idx)
	}

	for _, idx := range segmentsToDelete {
		path := w.segmentPath(idx)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete segment %d: %w", idx, err)
		}

		for round, segIdx := range w.decisionIndex {
			if segIdx == idx {
				delete(w.decisionIndex, round)
			}
		}
	}

	if len(segmentsToDelete) > 0 {
		w.group.MinIndex = segmentsToDelete[len(segmentsToDelete)-1] + 1
	}

	return nil
}

// canDeleteSegment reports whether every record in a segment belongs to
// a round at or below checkpointRound.
func (w *FileWAL) canDeleteSegment(segmentIndex int, checkpointRound uint64) (bool, error) {
	path := w.segmentPath(segmentIndex)
	file, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer file.Close()

	dec := newDecoder(bufio.NewReader(file))
	maxRound := uint64(0)

	for {
		rec, err := dec.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			// corrupted segment, keep it
			return false, err
		}
		if rec.Round > maxRound {
			maxRound = rec.Round
		}
	}

	return maxRound <= checkpointRound, nil
}

// SegmentCount returns the number of segments.
func (w *FileWAL) SegmentCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.group.MaxIndex - w.group.MinIndex + 1
}

// CurrentSegmentSize returns the approximate size of the current
// segment.
func (w *FileWAL) CurrentSegmentSize() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.segmentSize
}

var _ WAL = (*FileWAL)(nil)

// encoder frames records as [4-byte length][payload][4-byte CRC32].
type encoder struct {
	w   io.Writer
	buf []byte
}

func newEncoder(w io.Writer) *encoder {
	return &encoder{
		w:   w,
		buf: make([]byte, 8),
	}
}

// Encode writes one framed record and returns the number of bytes
// written.
func (e *encoder) Encode(rec *Record) (int, error) {
	data, err := rec.Marshal()
	if err != nil {
		return 0, err
	}

	checksum := crc32.ChecksumIEEE(data)

	binary.BigEndian.PutUint32(e.buf[:4], uint32(len(data)))
	if _, err := e.w.Write(e.buf[:4]); err != nil {
		return 0, err
	}

	if _, err := e.w.Write(data); err != nil {
		return 0, err
	}

	binary.BigEndian.PutUint32(e.buf[:4], checksum)
	if _, err := e.w.Write(e.buf[:4]); err != nil {
		return 0, err
	}

	return 4 + len(data) + 4, nil
}

// decoder reads framed records, verifying the CRC.
type decoder struct {
	r   io.Reader
	buf []byte
}

func newDecoder(r io.Reader) *decoder {
	return &decoder{
		r:   r,
		buf: make([]byte, 4),
	}
}

func (d *decoder) Decode() (*Record, error) {
	if _, err := io.ReadFull(d.r, d.buf[:4]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(d.buf[:4])
	if length > maxRecordSize {
		return nil, ErrCorrupted
	}

	poolBufPtr := decoderPool.Get().(*[]byte)
	poolBuf := *poolBufPtr

	if cap(poolBuf) < int(length) {
		poolBuf = make([]byte, length)
	} else {
		poolBuf = poolBuf[:length]
	}

	if _, err := io.ReadFull(d.r, poolBuf); err != nil {
		*poolBufPtr = poolBuf[:0]
		decoderPool.Put(poolBufPtr)
		return nil, err
	}

	if _, err := io.ReadFull(d.r, d.buf[:4]); err != nil {
		*poolBufPtr = poolBuf[:0]
		decoderPool.Put(poolBufPtr)
		return nil, err
	}
	expectedCRC := binary.BigEndian.Uint32(d.buf[:4])
	actualCRC := crc32.ChecksumIEEE(poolBuf)
	if expectedCRC != actualCRC {
		*poolBufPtr = poolBuf[:0]
		decoderPool.Put(poolBufPtr)
		return nil, fmt.Errorf("%w: CRC mismatch (expected %08x, got %08x)", ErrCorrupted, expectedCRC, actualCRC)
	}

	data := make([]byte, length)
	copy(data, poolBuf)

	*poolBufPtr = poolBuf[:0]
	decoderPool.Put(poolBufPtr)

	rec := &Record{}
	if err := rec.Unmarshal(data); err != nil {
		return nil, err
	}

	return rec, nil
}

// fileReader reads records from a single segment file.
type fileReader struct {
	file *os.File
	dec  *decoder
}

func (r *fileReader) Read() (*Record, error) {
	return r.dec.Decode()
}

func (r *fileReader) Close() error {
	return r.file.Close()
}

var _ Reader = (*fileReader)(nil)

// OpenForReading opens the full log for reading from the beginning.
func OpenForReading(dir string) (Reader, error) {
	segments := findSegments(dir)
	if len(segments) == 0 {
		return nil, ErrNotFound
	}

	return &multiSegmentReader{
		dir:      dir,
		segments: segments,
		current:  -1, // incremented to 0 on first read
	}, nil
}

// findSegments returns the sorted indices of all segment files in dir.
func findSegments(dir string) []int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var segments []int
	for _, entry := range entries {
		var idx int
		if n, _ := fmt.Sscanf(entry.Name(), "wal-%05d", &idx); n == 1 {
			segments = append(segments, idx)
		}
	}

	sort.Ints(segments)

	return segments
}

// multiSegmentReader reads through all segments in index order.
type multiSegmentReader struct {
	dir      string
	segments []int
	current  int
	reader   *fileReader
}

func (r *multiSegmentReader) Read() (*Record, error) {
	for {
		if r.reader == nil {
			r.current++
			if r.current >= len(r.segments) {
				return nil, io.EOF
			}

			path := filepath.Join(r.dir, fmt.Sprintf("wal-%05d", r.segments[r.current]))
			file, err := os.Open(path)
			if err != nil {
				return nil, err
			}
			r.reader = &fileReader{
				file: file,
				dec:  newDecoder(bufio.NewReader(file)),
			}
		}

		rec, err := r.reader.Read()
		if err == io.EOF {
			r.reader.Close()
			r.reader = nil
			continue
		}
		if err != nil {
			return nil, err
		}
		return rec, nil
	}
}

func (r *multiSegmentReader) Close() error {
	if r.reader != nil {
		return r.reader.Close()
	}
	return nil
}

var _ Reader = (*multiSegmentReader)(nil)
