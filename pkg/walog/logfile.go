package walog

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/icza/backscanner"
)

// headerSize is the on-disk size of the file header: 4-byte magic plus
// 4-byte version (spec §6).
const headerSize = 8

// LogFile is the append-only on-disk write-ahead log. Alongside the
// binary record file it keeps a companion newline-delimited index file
// recording each record's byte offset, one decimal number per line. The
// index lets recovery's backward undo pass (spec §4.2 step 3) walk record
// offsets in reverse via backscanner without holding the whole log in
// memory, while the binary file itself stays a compact, self-describing
// record stream.
type LogFile struct {
	mu      sync.Mutex
	path    string
	idxPath string
	file    *os.File
	idx     *os.File
	size    int64
}

// Open opens or creates the log file at path (and its companion index
// file at path+".idx"), writing the header if the file is new.
func Open(path string) (*LogFile, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return nil, fmt.Errorf("walog: open log: %w", err)
	}
	idx, err := os.OpenFile(path+".idx", os.O_CREATE|os.O_RDWR|os.O_APPEND, 0666)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("walog: open index: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		idx.Close()
		return nil, err
	}
	lf := &LogFile{path: path, idxPath: path + ".idx", file: file, idx: idx, size: info.Size()}
	if info.Size() == 0 {
		if err := lf.writeHeader(); err != nil {
			file.Close()
			idx.Close()
			return nil, err
		}
	}
	return lf, nil
}

func (lf *LogFile) writeHeader() error {
	var hdr [headerSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], Magic)
	binary.BigEndian.PutUint32(hdr[4:8], Version)
	if _, err := lf.file.WriteAt(hdr[:], 0); err != nil {
		return err
	}
	if err := lf.file.Sync(); err != nil {
		return err
	}
	lf.size = headerSize
	return nil
}

// Close closes both the log file and its index file.
func (lf *LogFile) Close() error {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	err1 := lf.file.Close()
	err2 := lf.idx.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Append writes rec to the end of the log and fsyncs both the record and
// its index entry before returning. Returns the record's byte offset.
func (lf *LogFile) Append(rec *Record) (int64, error) {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	payload, err := rec.encode()
	if err != nil {
		return 0, err
	}
	offset := lf.size
	if _, err := lf.file.WriteAt(payload, offset); err != nil {
		return 0, fmt.Errorf("walog: append: %w", err)
	}
	if err := lf.file.Sync(); err != nil {
		return 0, fmt.Errorf("walog: fsync log: %w", err)
	}
	lf.size = offset + int64(len(payload))

	if _, err := fmt.Fprintf(lf.idx, "%d\n", offset); err != nil {
		return 0, fmt.Errorf("walog: append index: %w", err)
	}
	if err := lf.idx.Sync(); err != nil {
		return 0, fmt.Errorf("walog: fsync index: %w", err)
	}
	return offset, nil
}

// IterRecords replays records from the given byte offset (headerSize for
// the very start) to the end of the log, calling f for each. Iteration
// stops early if f returns an error.
func (lf *LogFile) IterRecords(fromOffset int64, f func(*Record) error) error {
	lf.mu.Lock()
	path := lf.path
	lf.mu.Unlock()

	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if fromOffset == 0 {
		fromOffset = headerSize
	}
	if _, err := file.Seek(fromOffset, io.SeekStart); err != nil {
		return err
	}
	r := bufio.NewReader(file)
	offset := fromOffset
	for {
		rec, err := decodeRecord(r)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("walog: decode at %d: %w", offset, err)
		}
		rec.Offset = offset
		offset += recordSize(rec)
		if err := f(rec); err != nil {
			return err
		}
	}
}

// IterRecordsBackward replays records from the end of the log to the
// start, using the companion index file scanned backward line-by-line via
// backscanner to locate each record's start offset without re-parsing the
// whole binary file forward. f is called most-recent-record-first.
func (lf *LogFile) IterRecordsBackward(f func(*Record) error) error {
	lf.mu.Lock()
	idxPath := lf.idxPath
	logPath := lf.path
	idxSize := int64(0)
	if info, err := lf.idx.Stat(); err == nil {
		idxSize = info.Size()
	}
	lf.mu.Unlock()

	idxFile, err := os.Open(idxPath)
	if err != nil {
		return err
	}
	defer idxFile.Close()

	logFile, err := os.Open(logPath)
	if err != nil {
		return err
	}
	defer logFile.Close()

	scanner := backscanner.New(idxFile, int(idxSize))
	for {
		line, _, err := scanner.Line()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("walog: backscan index: %w", err)
		}
		if line == "" {
			continue
		}
		offset, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			return fmt.Errorf("walog: corrupt index line %q: %w", line, err)
		}
		if _, err := logFile.Seek(offset, io.SeekStart); err != nil {
			return err
		}
		rec, err := decodeRecord(bufio.NewReader(logFile))
		if err != nil {
			return fmt.Errorf("walog: decode at %d: %w", offset, err)
		}
		rec.Offset = offset
		if err := f(rec); err != nil {
			return err
		}
	}
}

// TruncateAfter discards every record whose offset is >= keepBefore,
// rewriting the index file to match.
func (lf *LogFile) TruncateAfter(keepBefore int64) error {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	if err := lf.file.Truncate(keepBefore); err != nil {
		return fmt.Errorf("walog: truncate log: %w", err)
	}
	lf.size = keepBefore

	offsets, err := lf.readIndexOffsets()
	if err != nil {
		return err
	}
	kept := offsets[:0]
	for _, o := range offsets {
		if o < keepBefore {
			kept = append(kept, o)
		}
	}
	return lf.rewriteIndex(kept)
}

func (lf *LogFile) readIndexOffsets() ([]int64, error) {
	if _, err := lf.idx.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	var offsets []int64
	scanner := bufio.NewScanner(lf.idx)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		n, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			return nil, err
		}
		offsets = append(offsets, n)
	}
	return offsets, scanner.Err()
}

func (lf *LogFile) rewriteIndex(offsets []int64) error {
	if err := lf.idx.Truncate(0); err != nil {
		return err
	}
	if _, err := lf.idx.Seek(0, io.SeekStart); err != nil {
		return err
	}
	for _, o := range offsets {
		if _, err := fmt.Fprintf(lf.idx, "%d\n", o); err != nil {
			return err
		}
	}
	return lf.idx.Sync()
}

// Size returns the current size of the binary log file in bytes.
func (lf *LogFile) Size() int64 {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	return lf.size
}

func recordSize(rec *Record) int64 {
	payload, _ := rec.encode()
	return int64(len(payload))
}
